package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordingWriter struct {
	mu    sync.Mutex
	lines []string
}

func (w *recordingWriter) Printf(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func (w *recordingWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewSQLStore(db, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestSQLStoreSetGetRemove(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "snapshot:u1"); err != nil || found {
		t.Fatalf("expected absent key, got found=%v err=%v", found, err)
	}
	if err := store.Set(ctx, "snapshot:u1", []byte("first")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "snapshot:u1", []byte("second")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	value, found, err := store.Get(ctx, "snapshot:u1")
	if err != nil || !found || string(value) != "second" {
		t.Fatalf("expected overwritten value, got %q found=%v err=%v", value, found, err)
	}
	if err := store.Remove(ctx, "snapshot:u1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, found, _ := store.Get(ctx, "snapshot:u1"); found {
		t.Fatalf("expected key to be removed")
	}
	if err := store.Remove(ctx, "snapshot:u1"); err != nil {
		t.Fatalf("removing an absent key should succeed: %v", err)
	}
}

func TestSQLStoreRejectsEmptyKey(t *testing.T) {
	store := newTestSQLStore(t)
	if err := store.Set(context.Background(), "", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestConstructorsRequireHandles(t *testing.T) {
	if _, err := NewSQLStore(nil, nil); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
	if _, err := NewRedisStore(nil, 0); !errors.Is(err, errMissingClient) {
		t.Fatalf("expected missing client error, got %v", err)
	}
}

func TestSQLStoreMissDoesNotLogError(t *testing.T) {
	writer := &recordingWriter{}
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.db")), &gorm.Config{
		Logger: gormlogger.New(writer, gormlogger.Config{LogLevel: gormlogger.Warn}),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewSQLStore(db, time.Now)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	before := len(writer.snapshot())

	if _, found, err := store.Get(context.Background(), "snapshot:missing"); err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}
	if lines := writer.snapshot()[before:]; len(lines) != 0 {
		t.Fatalf("expected no gorm output for a miss, got %q", lines)
	}
}
