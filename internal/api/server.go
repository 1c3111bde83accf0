// Package api exposes the dispatch core over HTTP: case intake, optimization
// runs, route queries, live tracking ingest, and notification subscriptions.
package api

import (
	"log"
	"os"
	"strings"
	"time"

	"careroute/internal/config"
	"careroute/internal/geo"
	"careroute/internal/notify"
	"careroute/internal/opt"
	"careroute/internal/store"
	"careroute/internal/track"
)

type Server struct {
	Store    store.Store
	Engine   *opt.Engine
	Tracker  *track.Tracker
	Detector *track.DelayDetector
	Pub      *notify.Publisher
	Broker   EventBroker

	provider geo.Provider
	cfg      *config.Config
}

// NewServer wires the store, distance provider, optimizer, tracker, and event
// broker from configuration. With no DATABASE_URL the in-memory store is used.
func NewServer(cfg *config.Config) (*Server, error) {
	var st store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.Printf("migrations: %v", err)
			}
		}
		st = sp
	}

	var raw geo.Provider
	if cfg.ProviderBaseURL != "" {
		raw = geo.NewHTTPProvider(geo.HTTPProviderConfig{
			BaseURL:     cfg.ProviderBaseURL,
			APIKey:      cfg.ProviderAPIKey,
			Profile:     cfg.ProviderProfile,
			Timeout:     cfg.ProviderTimeout,
			MaxAttempts: cfg.ProviderMaxAttempts,
			Backoff:     cfg.ProviderBackoff,
			RatePerSec:  cfg.ProviderRatePerSec,
		})
	} else {
		raw = geo.NewHaversineProvider(cfg.FallbackSpeedKph)
	}
	provider := geo.NewMatrixCache(raw, st, cfg.CacheTTL)

	detector, err := track.NewDelayDetector(cfg.Tunables.DelayThresholds)
	if err != nil {
		return nil, err
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Printf("redis broker unavailable, using in-memory: %v", err)
			broker = NewBroker()
		} else {
			broker = rb
		}
	} else {
		broker = NewBroker()
	}

	return &Server{
		Store: st,
		Engine: opt.NewEngine(provider, opt.Options{
			TimeBudget:       cfg.Tunables.OptimizeTimeBudget,
			MaxIterations:    cfg.Tunables.OptimizeMaxIterations,
			FallbackSpeedKph: cfg.FallbackSpeedKph,
		}),
		Tracker:  track.NewTracker(st, provider, cfg.Tunables.ProximityRadiusM),
		Detector: detector,
		Pub:      notify.NewPublisher(st),
		Broker:   broker,
		provider: provider,
		cfg:      cfg,
	}, nil
}

// engineFor returns the shared engine, or a one-off engine when the request
// overrides the time or iteration budget.
func (s *Server) engineFor(timeBudgetMs, maxIterations int) *opt.Engine {
	if timeBudgetMs <= 0 && maxIterations <= 0 {
		return s.Engine
	}
	opts := opt.Options{
		TimeBudget:       s.cfg.Tunables.OptimizeTimeBudget,
		MaxIterations:    s.cfg.Tunables.OptimizeMaxIterations,
		FallbackSpeedKph: s.cfg.FallbackSpeedKph,
	}
	if timeBudgetMs > 0 {
		opts.TimeBudget = time.Duration(timeBudgetMs) * time.Millisecond
	}
	if maxIterations > 0 {
		opts.MaxIterations = maxIterations
	}
	return opt.NewEngine(s.provider, opts)
}

// NewNotifyWorker creates the background delivery worker for this server's store.
func (s *Server) NewNotifyWorker() *notify.Worker {
	return notify.NewWorker(s.Store)
}
