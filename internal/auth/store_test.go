package auth

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"circadgo/internal/config"
	"circadgo/internal/events"
	"circadgo/internal/models"
	"circadgo/internal/storage"
)

func newSQLiteKV(t *testing.T) storage.KV {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewSQLStore(db, "sqlite3")
}

func newStore(t *testing.T, kv storage.KV, bus *events.Bus) *TokenStore {
	t.Helper()
	s, err := NewTokenStore(kv, bus, nil)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}
	return s
}

func TestTokenStoreEmptyIsValid(t *testing.T) {
	s := newStore(t, storage.NewMemoryStore(), nil)
	creds, ok := s.Get(context.Background())
	if ok || !creds.Empty() {
		t.Fatalf("expected no session, got %+v", creds)
	}
}

func TestTokenStoreSurvivesReload(t *testing.T) {
	ctx := context.Background()
	kv := newSQLiteKV(t)
	first := newStore(t, kv, nil)
	want := models.Credentials{AccessToken: "a1", RefreshToken: "r1", Username: "ops"}
	first.Set(ctx, want)

	second := newStore(t, kv, nil)
	got, ok := second.Get(ctx)
	if !ok || got != want {
		t.Fatalf("expected %+v after reload, got %+v", want, got)
	}

	second.Clear(ctx)
	third := newStore(t, kv, nil)
	if _, ok := third.Get(ctx); ok {
		t.Fatalf("expected cleared session to stay cleared")
	}
}

func TestTokenStoreUpdateKeepsRefreshUnlessRotated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storage.NewMemoryStore(), nil)
	s.Set(ctx, models.Credentials{AccessToken: "a1", RefreshToken: "r1", Username: "ops"})

	s.UpdateTokens(ctx, "a2", "")
	if got, _ := s.Get(ctx); got.AccessToken != "a2" || got.RefreshToken != "r1" {
		t.Fatalf("unexpected credentials %+v", got)
	}
	s.UpdateTokens(ctx, "a3", "r2")
	if got, _ := s.Get(ctx); got.AccessToken != "a3" || got.RefreshToken != "r2" || got.Username != "ops" {
		t.Fatalf("unexpected credentials %+v", got)
	}
}

func TestTokenStoreNotifiesObserversAndBus(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	sub := bus.Subscribe(4, events.CredentialsChanged)
	defer sub.Close()

	s := newStore(t, storage.NewMemoryStore(), bus)
	var seen []models.Credentials
	cancel := s.Subscribe(func(c models.Credentials) { seen = append(seen, c) })

	s.Set(ctx, models.Credentials{AccessToken: "a", Username: "ops"})
	s.Clear(ctx)
	cancel()
	s.Set(ctx, models.Credentials{AccessToken: "b"})

	if len(seen) != 2 || seen[0].Username != "ops" || !seen[1].Empty() {
		t.Fatalf("unexpected observer calls %+v", seen)
	}
	if e := <-sub.C; e.Username != "ops" {
		t.Fatalf("unexpected bus event %+v", e)
	}
}

func TestTokenStoreReloadPicksUpOtherWriter(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	a := newStore(t, kv, nil)
	b := newStore(t, kv, nil)
	b.Get(ctx)

	var calls int
	b.Subscribe(func(models.Credentials) { calls++ })

	a.Set(ctx, models.Credentials{AccessToken: "x", RefreshToken: "y", Username: "ops"})
	b.Reload(ctx)
	b.Reload(ctx)
	if got, ok := b.Get(ctx); !ok || got.Username != "ops" {
		t.Fatalf("reload missed external login: %+v", got)
	}
	if calls != 1 {
		t.Fatalf("expected a single change notification, got %d", calls)
	}
}

func TestTokenStoreSealsAtRest(t *testing.T) {
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	t.Setenv(TokenKeyEnv, key)

	kv := storage.NewMemoryStore()
	s := newStore(t, kv, nil)
	s.Set(ctx, models.Credentials{AccessToken: "secret-access", RefreshToken: "secret-refresh", Username: "ops"})

	raw, _, _ := kv.Get(ctx, storage.KeyAccessToken)
	if !strings.HasPrefix(raw, sealedPrefix) || strings.Contains(raw, "secret-access") {
		t.Fatalf("access token stored in the clear: %q", raw)
	}
	user, _, _ := kv.Get(ctx, storage.KeyUsername)
	if user != "ops" {
		t.Fatalf("username should stay readable, got %q", user)
	}

	reopened := newStore(t, kv, nil)
	got, ok := reopened.Get(ctx)
	if !ok || got.AccessToken != "secret-access" || got.RefreshToken != "secret-refresh" {
		t.Fatalf("unexpected decrypted credentials %+v", got)
	}
}

func TestTokenStoreAllowsLegacyPlaintext(t *testing.T) {
	ctx := context.Background()
	t.Setenv(TokenKeyEnv, "0123456789abcdef0123456789abcdef")
	kv := storage.NewMemoryStore()
	kv.Set(ctx, storage.KeyAccessToken, "plain-access")
	kv.Set(ctx, storage.KeyRefreshToken, sealedPrefix+"garbage")

	s := newStore(t, kv, nil)
	got, ok := s.Get(ctx)
	if !ok || got.AccessToken != "plain-access" {
		t.Fatalf("expected legacy plaintext token, got %+v", got)
	}
	if got.RefreshToken != "" {
		t.Fatalf("unreadable token should be discarded, got %q", got.RefreshToken)
	}
}

func TestNewTokenStoreRejectsBadKey(t *testing.T) {
	t.Setenv(TokenKeyEnv, "too-short")
	if _, err := NewTokenStore(storage.NewMemoryStore(), nil, nil); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
