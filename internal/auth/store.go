package auth

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
	"circadgo/internal/storage"
)

// TokenStore holds the session credentials for the whole process. Every
// mutation is written through to durable storage and announced to
// observers. Storage failures are logged, never returned.
type TokenStore struct {
	kv     storage.KV
	bus    *events.Bus
	cipher *tokenCipher
	log    *zap.Logger

	mu        sync.Mutex
	creds     models.Credentials
	loaded    bool
	observers map[int]func(models.Credentials)
	nextID    int
}

// NewTokenStore fails only when CIRCAD_TOKEN_KEY is set but unusable.
func NewTokenStore(kv storage.KV, bus *events.Bus, log *zap.Logger) (*TokenStore, error) {
	c, err := newTokenCipherFromEnv()
	if err != nil {
		return nil, err
	}
	return &TokenStore{
		kv:        kv,
		bus:       bus,
		cipher:    c,
		log:       logger.OrNop(log).Named("tokens"),
		observers: make(map[int]func(models.Credentials)),
	}, nil
}

// Get returns the current credentials, loading them from storage on first use.
func (s *TokenStore) Get(ctx context.Context) (models.Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.creds = s.load(ctx)
		s.loaded = true
	}
	return s.creds, !s.creds.Empty()
}

// Set replaces the credentials.
func (s *TokenStore) Set(ctx context.Context, creds models.Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.loaded = true
	s.persist(ctx, creds)
	s.mu.Unlock()
	s.notify(creds)
}

// UpdateTokens stores a refreshed access token. refresh is kept unless the
// server rotated it.
func (s *TokenStore) UpdateTokens(ctx context.Context, access, refresh string) {
	s.mu.Lock()
	if !s.loaded {
		s.creds = s.load(ctx)
		s.loaded = true
	}
	s.creds.AccessToken = access
	if refresh != "" {
		s.creds.RefreshToken = refresh
	}
	creds := s.creds
	s.persist(ctx, creds)
	s.mu.Unlock()
	s.notify(creds)
}

// Clear drops the session entirely.
func (s *TokenStore) Clear(ctx context.Context) {
	s.mu.Lock()
	s.creds = models.Credentials{}
	s.loaded = true
	if err := s.kv.Delete(ctx, storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyUsername); err != nil {
		s.log.Error("clear persisted credentials", zap.Error(err))
	}
	s.mu.Unlock()
	s.notify(models.Credentials{})
}

// Reload re-reads storage, picking up a login or logout from another process.
// Observers are told only when the session actually changed.
func (s *TokenStore) Reload(ctx context.Context) {
	s.mu.Lock()
	fresh := s.load(ctx)
	changed := fresh != s.creds
	s.creds = fresh
	s.loaded = true
	s.mu.Unlock()
	if changed {
		s.notifyObservers(fresh)
	}
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (s *TokenStore) Subscribe(fn func(models.Credentials)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *TokenStore) notify(creds models.Credentials) {
	s.notifyObservers(creds)
	s.bus.Publish(events.Event{Type: events.CredentialsChanged, Username: creds.Username})
}

func (s *TokenStore) notifyObservers(creds models.Credentials) {
	s.mu.Lock()
	fns := make([]func(models.Credentials), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(creds)
	}
}

// load must be called with s.mu held.
func (s *TokenStore) load(ctx context.Context) models.Credentials {
	var creds models.Credentials
	creds.AccessToken = s.readSecret(ctx, storage.KeyAccessToken)
	creds.RefreshToken = s.readSecret(ctx, storage.KeyRefreshToken)
	if v, ok, err := s.kv.Get(ctx, storage.KeyUsername); err != nil {
		s.log.Error("load username", zap.Error(err))
	} else if ok {
		creds.Username = v
	}
	return creds
}

func (s *TokenStore) readSecret(ctx context.Context, key string) string {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.log.Error("load credential", zap.String("key", key), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	plain, err := s.cipher.open(v)
	if err != nil {
		s.log.Warn("discarding unreadable credential", zap.String("key", key), zap.Error(err))
		return ""
	}
	return plain
}

// persist must be called with s.mu held.
func (s *TokenStore) persist(ctx context.Context, creds models.Credentials) {
	s.writeSecret(ctx, storage.KeyAccessToken, creds.AccessToken)
	s.writeSecret(ctx, storage.KeyRefreshToken, creds.RefreshToken)
	s.write(ctx, storage.KeyUsername, creds.Username)
}

func (s *TokenStore) writeSecret(ctx context.Context, key, value string) {
	sealed, err := s.cipher.seal(value)
	if err != nil {
		s.log.Error("seal credential", zap.String("key", key), zap.Error(err))
		return
	}
	s.write(ctx, key, sealed)
}

func (s *TokenStore) write(ctx context.Context, key, value string) {
	var err error
	if value == "" {
		err = s.kv.Delete(ctx, key)
	} else {
		err = s.kv.Set(ctx, key, value)
	}
	if err != nil {
		s.log.Error("persist credential", zap.String("key", key), zap.Error(err))
	}
}
