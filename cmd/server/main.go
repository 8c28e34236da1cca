package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/rideshare/internal/active"
	"github.com/example/rideshare/internal/config"
	"github.com/example/rideshare/internal/core"
	"github.com/example/rideshare/internal/dispatch"
	httpapi "github.com/example/rideshare/internal/http"
	"github.com/example/rideshare/internal/ingest"
	"github.com/example/rideshare/internal/logging"
	"github.com/example/rideshare/internal/payments"
	"github.com/example/rideshare/internal/pending"
	"github.com/example/rideshare/internal/quadtree"
	"github.com/example/rideshare/internal/registry"
	"github.com/example/rideshare/internal/routing"
	"github.com/example/rideshare/internal/storage"
	"github.com/example/rideshare/internal/supervisor"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ws := dispatch.NewWSRegistry(logger)
	notifier := dispatch.Fanout{ws}
	if cfg.PushWebhookURL != "" {
		notifier = append(notifier, dispatch.NewWebhookNotifier(cfg.PushWebhookURL))
	}
	notifier = append(notifier, dispatch.LogNotifier{Logger: logger})

	var fares active.Fares
	if cfg.StripeAPIKey != "" {
		pricing := payments.Pricing{
			BaseFare:      cfg.FareBase,
			PerKmRate:     cfg.FarePerKm,
			PerMinuteRate: cfg.FarePerMinute,
			MinimumFare:   cfg.FareMinimum,
		}
		fares = payments.NewFareHolds(payments.NewStripeClient(cfg.StripeAPIKey), pricing, cfg.FareCurrency)
	}

	var publisher core.LocationPublisher
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		publisher = producer
	}

	router, err := newRouter(cfg, logger)
	if err != nil {
		return err
	}

	tree := quadtree.Options{
		MaxCapacity: cfg.QuadtreeMaxCapacity,
		MinCapacity: cfg.QuadtreeMinCapacity,
		MaxDepth:    cfg.QuadtreeMaxDepth,
	}
	svc, err := core.New(core.Config{
		Registry: registry.Options{
			MatchTimeout:    cfg.MatchTimeout,
			ReindexInterval: cfg.ReindexInterval,
			Tree:            tree,
		},
		Pending: pending.Config{
			DriverTimeout:  cfg.DriverConfirmTimeout,
			RiderTimeout:   cfg.RiderConfirmTimeout,
			AllowSoloRides: cfg.AllowSoloRides,
		},
		UsersTree:    tree,
		BufferMeters: cfg.MatchBufferMeters,
		SpeedMps:     cfg.DefaultSpeedMps,
	}, core.Deps{
		Router:    router,
		Store:     store,
		Notifier:  notifier,
		Fares:     fares,
		Reporter:  supervisor.LogReporter{Logger: logger},
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("rideshare listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return svc.Run(ctx) })
	if producer != nil {
		reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup)
		consumer := ingest.NewConsumer(reader, svc, logger)
		g.Go(func() error {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// openStore picks Postgres, then Redis, then the in-memory store.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, nil, err
			}
			logger.Info("migration applied")
		}
		return ps, func() { _ = ps.Close() }, nil
	case cfg.RedisAddr != "":
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	logger.Warn("no persistent store configured, using memory")
	return storage.NewMemoryStore(), func() {}, nil
}

// newRouter returns the first configured routing backend behind a TTL cache.
// Matching falls back to straight lines whenever the backend fails.
func newRouter(cfg config.ServerConfig, logger *slog.Logger) (routing.Router, error) {
	var next routing.Router = routing.StraightLine{SpeedMps: cfg.DefaultSpeedMps}
	switch {
	case cfg.OSRMEndpoint != "":
		next = routing.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("routing via osrm", "endpoint", cfg.OSRMEndpoint)
	case cfg.GoogleMapsAPIKey != "":
		gc, err := routing.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		next = gc
		logger.Info("routing via google maps")
	}
	return &routing.Cached{Next: next, Cache: routing.NewCache(cfg.RouteCacheTTL)}, nil
}
