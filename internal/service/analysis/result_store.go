package analysis

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
	"circadgo/internal/storage"
)

// ResultStore holds the most recent completed analysis for every view of the
// process and persists it under storage.KeyLastAnalysis.
type ResultStore struct {
	kv  storage.KV
	bus *events.Bus
	log *zap.Logger

	mu        sync.Mutex
	current   *models.AnalysisResult
	loaded    bool
	observers map[int]func(models.AnalysisResult)
	nextID    int
}

func NewResultStore(kv storage.KV, bus *events.Bus, log *zap.Logger) *ResultStore {
	return &ResultStore{
		kv:        kv,
		bus:       bus,
		log:       logger.OrNop(log).Named("results"),
		observers: make(map[int]func(models.AnalysisResult)),
	}
}

// Get returns the last analysis, rehydrating from storage on first read.
func (s *ResultStore) Get(ctx context.Context) (models.AnalysisResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.current = s.load(ctx)
		s.loaded = true
	}
	if s.current == nil {
		return models.AnalysisResult{}, false
	}
	return *s.current, true
}

// Set replaces the last analysis. Invalid results are rejected; a failed
// write to storage is logged and the in-memory value still changes.
func (s *ResultStore) Set(ctx context.Context, result models.AnalysisResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	r := result
	s.current = &r
	s.loaded = true
	s.persist(ctx, r)
	s.mu.Unlock()

	s.notify(r)
	s.bus.Publish(events.Event{Type: events.AnalysisUpdated, Result: &r})
	return nil
}

// Reload re-reads storage, picking up a result stored by another process.
func (s *ResultStore) Reload(ctx context.Context) {
	s.mu.Lock()
	fresh := s.load(ctx)
	s.current = fresh
	s.loaded = true
	s.mu.Unlock()
	if fresh != nil {
		s.notify(*fresh)
	}
}

// Subscribe registers fn for every new result. The returned func unregisters it.
func (s *ResultStore) Subscribe(fn func(models.AnalysisResult)) func() {
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

func (s *ResultStore) notify(r models.AnalysisResult) {
	s.mu.Lock()
	fns := make([]func(models.AnalysisResult), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (s *ResultStore) load(ctx context.Context) *models.AnalysisResult {
	raw, ok, err := s.kv.Get(ctx, storage.KeyLastAnalysis)
	if err != nil {
		s.log.Error("load last analysis", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var r models.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		s.log.Warn("discarding unreadable last analysis", zap.Error(err))
		return nil
	}
	if err := r.Validate(); err != nil {
		s.log.Warn("discarding invalid last analysis", zap.Error(err))
		return nil
	}
	return &r
}

func (s *ResultStore) persist(ctx context.Context, r models.AnalysisResult) {
	data, err := json.Marshal(r)
	if err != nil {
		s.log.Error("encode last analysis", zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, storage.KeyLastAnalysis, string(data)); err != nil {
		s.log.Error("persist last analysis", zap.Error(err))
	}
}
