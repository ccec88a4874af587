// Package app assembles the client from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"circadgo/internal/api"
	"circadgo/internal/archive"
	"circadgo/internal/auth"
	"circadgo/internal/client"
	"circadgo/internal/config"
	"circadgo/internal/events"
	"circadgo/internal/live"
	"circadgo/internal/logger"
	"circadgo/internal/redis"
	"circadgo/internal/service/analysis"
	"circadgo/internal/service/reports"
	"circadgo/internal/storage"
	"circadgo/internal/worker"
)

// App owns every long-lived component of one client process.
type App struct {
	Config *config.Config
	Log    *zap.Logger
	Bus    *events.Bus

	Tokens       *auth.TokenStore
	API          *client.Client
	Auth         *auth.Service
	Results      *analysis.ResultStore
	Polls        *worker.Manager
	Orchestrator *analysis.Orchestrator
	History      *reports.History
	Exporter     *reports.Exporter
	Live         *live.Client

	db    *sql.DB
	rdb   *redis.Client
	relay *events.Relay

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stops  []func()
}

// Ephemeral selects an in-memory store that forgets everything on exit.
const Ephemeral = "memory"

// New opens storage and wires the client. dbType selects the durable store
// driver, or Ephemeral. Background work starts with Start.
func New(ctx context.Context, cfg *config.Config, dbType string, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	if dbType == "" {
		dbType = "sqlite3"
	}
	var (
		db  *sql.DB
		kv  storage.KV
		err error
	)
	if dbType == Ephemeral {
		kv = storage.NewMemoryStore()
	} else {
		if db, err = storage.Open(dbType, cfg); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := storage.Migrate(db, dbType); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		kv = storage.NewSQLStore(db, dbType)
	}

	appCtx, cancel := context.WithCancel(context.Background())
	a := &App{Config: cfg, Log: log, Bus: events.NewBus(), db: db, ctx: appCtx, cancel: cancel}

	if a.Tokens, err = auth.NewTokenStore(kv, a.Bus, log); err != nil {
		a.Close()
		return nil, err
	}
	a.API, err = client.New(cfg.BasicConfig.APIBaseURL, a.Tokens,
		client.WithBus(a.Bus),
		client.WithLogger(log),
		client.WithTimeout(cfg.BasicConfig.RequestTimeout()))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Auth = auth.NewService(a.API, a.Tokens, a.Bus, log)
	a.Results = analysis.NewResultStore(kv, a.Bus, log)

	poller := worker.NewPoller(a.API, a.Results, worker.Options{
		Interval:    cfg.BasicConfig.PollInterval(),
		MaxAttempts: cfg.BasicConfig.MaxPollAttempts,
		Timeout:     cfg.BasicConfig.PollTimeout(),
		Fatal: func(err error) bool {
			return errors.Is(err, client.ErrSessionExpired)
		},
	}, log)
	a.Polls = worker.NewManager(poller)
	a.Orchestrator = analysis.NewOrchestrator(a.API, a.Results, a.Polls, a.Bus, log, analysis.OrchestratorConfig{
		AllowConcurrent: cfg.BasicConfig.AllowConcurrentSubmissions,
		PollContext:     appCtx,
	})
	a.History = reports.NewHistory(a.API, cfg.BasicConfig.ResultsCacheTTL(), log)

	var archiver reports.Archiver
	if cfg.Archive.Endpoint != "" {
		store, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			// Exports still land on disk without the archive.
			log.Warn("report archive unavailable", zap.Error(err))
		} else {
			archiver = store
		}
	}
	a.Exporter = reports.NewExporter(a.API, cfg.BasicConfig.ExportDir, archiver, log)

	wsURL := cfg.BasicConfig.WebSocketURL
	if wsURL == "" {
		if wsURL, err = live.DeriveURL(cfg.BasicConfig.APIBaseURL); err != nil {
			a.Close()
			return nil, fmt.Errorf("derive live updates url: %w", err)
		}
	}
	a.Live = live.New(wsURL, a.Bus, log)

	if cfg.Redis.Addr() != "" {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			log.Warn("event relay disabled", zap.Error(err))
		} else {
			a.rdb = rdb
			a.relay = events.NewRelay(a.Bus, rdb, cfg.Redis.Channel, log)
		}
	}
	return a, nil
}

// Start launches the event relay and the listeners that keep local views in
// step with other processes.
func (a *App) Start() {
	a.stops = append(a.stops, a.History.Watch(a.Bus))
	a.stops = append(a.stops, a.Bus.Listen(a.onRemote,
		events.CredentialsChanged, events.SessionExpired, events.LoggedOut, events.AnalysisUpdated))

	if a.relay != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.relay.Run(a.ctx); err != nil {
				a.Log.Warn("event relay stopped", zap.Error(err))
			}
		}()
	}
}

func (a *App) onRemote(e events.Event) {
	if !e.Remote() {
		return
	}
	switch e.Type {
	case events.AnalysisUpdated:
		a.Results.Reload(a.ctx)
	default:
		a.Tokens.Reload(a.ctx)
	}
}

// StartLive follows the live updates socket in the background.
func (a *App) StartLive() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.Live.Run(a.ctx)
	}()
}

// Context is cancelled when the app closes.
func (a *App) Context() context.Context { return a.ctx }

// Handler builds the local HTTP surface.
func (a *App) Handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Sessions:    a.Auth,
		Submissions: a.Orchestrator,
		Last:        a.Results,
		Tasks:       a.Polls,
		History:     a.History,
		Exports:     a.Exporter,
		Admin:       a.API,
		Forecasts:   a.API,
		Bus:         a.Bus,
		TrendWindow: a.Config.BasicConfig.TrendWindow,
		Log:         a.Log,
	})
}

// Close stops polls and background work, then releases storage.
func (a *App) Close() {
	if a.Polls != nil {
		a.Polls.StopAll()
	}
	a.cancel()
	a.wg.Wait()
	for _, stop := range a.stops {
		stop()
	}
	a.stops = nil
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.Log.Sync()
}
