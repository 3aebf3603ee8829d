package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FEEDSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "feedsync.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultIssuer          = "feedsync-auth"
	defaultAudience        = "feedsync-api"
	defaultTokenTTLMinutes = 60
	defaultPageSize        = 15
	defaultSnapshotBackend = SnapshotBackendSQLite
	defaultSnapshotTTLHrs  = 24
	defaultHeartbeatSecs   = 20
	maxPageSize            = 100
)

// Snapshot backends.
const (
	SnapshotBackendSQLite = "sqlite"
	SnapshotBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	SigningSecret   string
	Issuer          string
	Audience        string
	TokenTTL        time.Duration
	PageSize        int
	SnapshotBackend string
	SnapshotTTL     time.Duration
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	NATSURL         string
	Heartbeat       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("feed.page_size", defaultPageSize)
	configViper.SetDefault("snapshot.backend", defaultSnapshotBackend)
	configViper.SetDefault("snapshot.ttl_hours", defaultSnapshotTTLHrs)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("nats.url", "")
	configViper.SetDefault("stream.heartbeat_seconds", defaultHeartbeatSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		Issuer:          configViper.GetString("auth.issuer"),
		Audience:        configViper.GetString("auth.audience"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PageSize:        configViper.GetInt("feed.page_size"),
		SnapshotBackend: strings.ToLower(strings.TrimSpace(configViper.GetString("snapshot.backend"))),
		SnapshotTTL:     time.Duration(configViper.GetInt("snapshot.ttl_hours")) * time.Hour,
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisDB:         configViper.GetInt("redis.db"),
		NATSURL:         strings.TrimSpace(configViper.GetString("nats.url")),
		Heartbeat:       time.Duration(configViper.GetInt("stream.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("feed.page_size must be between 1 and %d", maxPageSize)
	}
	switch c.SnapshotBackend {
	case SnapshotBackendSQLite:
	case SnapshotBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis snapshot backend")
		}
	default:
		return fmt.Errorf("snapshot.backend must be %q or %q", SnapshotBackendSQLite, SnapshotBackendRedis)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat_seconds must be positive")
	}
	return nil
}
