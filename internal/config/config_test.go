package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PageSize != defaultPageSize || cfg.TokenTTL != time.Hour || cfg.SnapshotBackend != SnapshotBackendSQLite {
		t.Fatalf("unexpected feed defaults %+v", cfg)
	}
	if cfg.NATSURL != "" {
		t.Fatalf("expected the remote broadcast leg to be disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FEEDSYNC_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("FEEDSYNC_FEED_PAGE_SIZE", "25")
	t.Setenv("FEEDSYNC_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.PageSize != 25 || cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		wantErr  string
	}{
		{name: "missing secret", settings: map[string]any{}, wantErr: "auth.signing_secret"},
		{name: "page size too large", settings: map[string]any{"auth.signing_secret": "s", "feed.page_size": 101}, wantErr: "feed.page_size"},
		{name: "page size zero", settings: map[string]any{"auth.signing_secret": "s", "feed.page_size": 0}, wantErr: "feed.page_size"},
		{name: "unknown backend", settings: map[string]any{"auth.signing_secret": "s", "snapshot.backend": "memcached"}, wantErr: "snapshot.backend"},
		{name: "redis without address", settings: map[string]any{"auth.signing_secret": "s", "snapshot.backend": "redis"}, wantErr: "redis.address"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}
