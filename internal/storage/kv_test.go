package storage

import (
	"context"
	"path/filepath"
	"testing"

	"circadgo/internal/config"
)

func openSQLite(t *testing.T, dsn string) *SQLStore {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: dsn}}}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLStore(db, "sqlite3")
}

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := kv.Get(ctx, KeyAccessToken); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, KeyAccessToken, "a1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set(ctx, KeyAccessToken, "a2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := kv.Set(ctx, KeyUsername, "ops"); err != nil {
		t.Fatalf("set username: %v", err)
	}
	if v, ok, err := kv.Get(ctx, KeyAccessToken); err != nil || !ok || v != "a2" {
		t.Fatalf("expected a2, got %q ok=%v err=%v", v, ok, err)
	}
	if err := kv.Delete(ctx, KeyAccessToken, KeyUsername, "never-set"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, KeyUsername); ok {
		t.Fatalf("expected username deleted")
	}
}

func TestSQLStore(t *testing.T) {
	exerciseKV(t, openSQLite(t, ":memory:"))
}

func TestMemoryStore(t *testing.T) {
	exerciseKV(t, NewMemoryStore())
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.db")
	first := openSQLite(t, dsn)
	if err := first.Set(context.Background(), KeyLastAnalysis, `{"id":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	first.db.Close()

	second := openSQLite(t, dsn)
	v, ok, err := second.Get(context.Background(), KeyLastAnalysis)
	if err != nil || !ok || v != `{"id":1}` {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", v, ok, err)
	}
}
