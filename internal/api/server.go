package api

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dispatch/internal/assignment"
	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/delivery"
	dispatcher "dispatch/internal/dispatch"
	"dispatch/internal/locations"
	"dispatch/internal/matching"
	"dispatch/internal/notify"
	"dispatch/internal/store"
)

// Server holds the wired engine behind the HTTP surface.
type Server struct {
	Store      store.Store
	Cfg        config.Config
	Clock      clock.Clock
	Locations  *locations.Service
	Engine     *matching.Engine
	Finder     *matching.Finder
	Delivery   *delivery.Service
	Ledger     *assignment.Ledger
	Dispatcher *dispatcher.Dispatcher
	Pub        *notify.Publisher
	Broker     EventBroker
	limiter    *driverLimiter
}

// NewServer wires the engine from the environment. DATABASE_URL selects
// Postgres over the in-memory store; REDIS_URL adds the GEO index and a
// cross-instance event broker.
func NewServer(cfg config.Config) (*Server, error) {
	clk := clock.Real{}

	var st store.Store
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sp.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st = sp
	}

	var broker EventBroker = NewBroker()
	var query matching.NearestQuery = matching.NewScanQuery(st)
	var index locations.GeoIndex
	if url := os.Getenv("REDIS_URL"); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		broker = NewRedisBroker(rdb)
		gq := matching.NewRedisGeoQuery(rdb, st)
		query = gq
		index = gq.GeoIndex()
	}

	return NewServerWith(cfg, st, clk, query, index, broker), nil
}

// NewServerWith wires a Server from explicit parts; tests use it with the
// memory store, a fake clock, and the in-memory broker.
func NewServerWith(cfg config.Config, st store.Store, clk clock.Clock, query matching.NearestQuery, index locations.GeoIndex, broker EventBroker) *Server {
	pub := notify.NewPublisher(st, clk)
	staleness := time.Duration(cfg.Matching.StalenessWindowMin) * time.Minute
	timeout := time.Duration(cfg.Assignment.DefaultTimeoutMinutes) * time.Minute

	finder := matching.NewFinder(st, query, clk, staleness)
	scorer := matching.NewScorer(cfg.Matching, clk)
	engine := matching.NewEngine(finder, scorer, st, clk, cfg.Matching)
	deliverySvc := delivery.NewService(st, clk, pub)
	ledger := assignment.NewLedger(st, clk, deliverySvc, pub, timeout)

	return &Server{
		Store:      st,
		Cfg:        cfg,
		Clock:      clk,
		Locations:  locations.NewService(st, clk, index),
		Engine:     engine,
		Finder:     finder,
		Delivery:   deliverySvc,
		Ledger:     ledger,
		Dispatcher: dispatcher.NewDispatcher(engine, ledger, deliverySvc, pub),
		Pub:        pub,
		Broker:     broker,
		limiter:    newDriverLimiter(cfg.RateLimit.LocationPushesPerSecond, cfg.RateLimit.Burst),
	}
}

// NewWebhookWorker creates the background worker draining the delivery queue.
func (s *Server) NewWebhookWorker() *notify.Worker {
	return notify.NewWorker(s.Store, s.Cfg.Webhooks.MaxAttempts)
}

// NewSweeper creates the background expiry sweeper for overdue attempts.
func (s *Server) NewSweeper() *assignment.Sweeper {
	return assignment.NewSweeper(s.Ledger, time.Duration(s.Cfg.Assignment.SweepIntervalSeconds)*time.Second)
}
