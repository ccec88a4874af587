package reports

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
)

const resultsKey = "results"

// ResultsAPI is the read side of the remote API used for history.
type ResultsAPI interface {
	Results(ctx context.Context) ([]models.AnalysisResult, error)
	SystemHealth(ctx context.Context) (map[string]any, error)
}

// History caches the stored analyses list between dashboard refreshes.
type History struct {
	api   ResultsAPI
	cache *gocache.Cache
	log   *zap.Logger
}

func NewHistory(api ResultsAPI, ttl time.Duration, log *zap.Logger) *History {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &History{
		api:   api,
		cache: gocache.New(ttl, 2*ttl),
		log:   logger.OrNop(log).Named("history"),
	}
}

// Results returns every stored analysis, newest first. refresh bypasses the
// cache.
func (h *History) Results(ctx context.Context, refresh bool) ([]models.AnalysisResult, error) {
	if !refresh {
		if cached, ok := h.cache.Get(resultsKey); ok {
			return cached.([]models.AnalysisResult), nil
		}
	}
	results, err := h.api.Results(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	h.cache.Set(resultsKey, results, gocache.DefaultExpiration)
	return results, nil
}

func (h *History) Invalidate() {
	h.cache.Delete(resultsKey)
}

// Watch drops the cache whenever a new analysis lands locally or remotely.
func (h *History) Watch(bus *events.Bus) (stop func()) {
	return bus.Listen(func(e events.Event) {
		h.log.Debug("results cache invalidated", zap.String("cause", string(e.Type)))
		h.Invalidate()
	}, events.AnalysisUpdated, events.LiveUpdate)
}

// Overview is the dashboard payload.
type Overview struct {
	Summary      Summary        `json:"summary"`
	SystemHealth map[string]any `json:"system_health,omitempty"`
	HealthError  string         `json:"health_error,omitempty"`
}

// Overview fetches results and system health together. System health is
// best effort: its failure is reported in the payload, not returned.
func (h *History) Overview(ctx context.Context, window int) (Overview, error) {
	var (
		results   []models.AnalysisResult
		health    map[string]any
		healthErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = h.Results(gctx, false)
		return err
	})
	g.Go(func() error {
		health, healthErr = h.api.SystemHealth(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}

	out := Overview{Summary: Summarize(results, window), SystemHealth: health}
	if healthErr != nil {
		h.log.Warn("system health unavailable", zap.Error(healthErr))
		out.HealthError = healthErr.Error()
	}
	return out, nil
}
