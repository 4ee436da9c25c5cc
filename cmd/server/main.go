package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/places"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tariff"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// repos bundles the repository implementations so the in-memory and
// Postgres stores can be swapped as one.
type repos interface {
	storage.RideRepository
	storage.DriverRepository
	storage.RiderRepository
	storage.TariffRepository
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.TraceRatio)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	checks := map[string]httpapi.Check{}

	var store repos
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		store = pg
		checks["postgres"] = pg.Ping
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var (
		index      geo.Geo
		locker     lock.Locker
		tariffSync *tariff.RedisSync
	)
	geoOpts := []geo.Option{geo.WithFreshness(cfg.Freshness)}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, geoOpts...)
		index = rg
		locker = lock.NewRedisLocker(rc, cfg.LockTTL, cfg.LockWait)
		tariffSync = tariff.NewRedisSync(rc, cfg.TariffChannel)
		checks["redis"] = rg.Ping
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process geo index and locks")
		index = geo.NewIndex(geoOpts...)
		locker = lock.NewKeyed(cfg.LockWait)
	}

	seed := models.DefaultTariff()
	if cfg.TariffFile != "" {
		if seed, err = tariff.LoadFile(cfg.TariffFile); err != nil {
			return fmt.Errorf("tariff: %w", err)
		}
	}
	tariffOpts := []tariff.Option{tariff.WithTTL(cfg.TariffCacheTTL), tariff.WithLogger(logger)}
	if tariffSync != nil {
		tariffOpts = append(tariffOpts, tariff.WithBroadcaster(tariffSync), tariff.WithLocker(locker))
	}
	tariffs := tariff.NewStore(store, seed, tariffOpts...)
	if tariffSync != nil {
		go func() {
			if err := tariffSync.Listen(ctx, tariffs); err != nil {
				logger.Warn("tariff invalidation stopped, relying on cache TTL", "error", err)
			}
		}()
	}

	ws := notify.NewWSRegistry()
	notifier := notify.NewMulti(logger).
		Add("log", notify.Log{Logger: logger}).
		Add("ws", ws)
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		events := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		notifier.Add("kafka", events)
		if cfg.RepublishLocations {
			producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
			defer producer.Close()
		}
	}
	if cfg.PushEndpoint != "" {
		notifier.Add("push", notify.NewPush(cfg.PushEndpoint, cfg.PushKey, cfg.PushFCM))
	}

	var gateway payments.Gateway
	if cfg.StripeKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeKey)
	}

	estimator := eta.NewEstimator(cfg.SpeedKmh, cfg.MinETA)
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
		estimator.Cache = eta.NewCache(cfg.ETACacheTTL)
	}

	engine := dispatch.NewEngine(dispatch.Config{
		MaxRadiusKm:         cfg.MaxRadiusKm,
		CandidateLimit:      cfg.CandidateLimit,
		SearchTimeout:       cfg.SearchTimeout,
		SearchRetryInterval: cfg.SearchRetryInterval,
		MonitorInterval:     cfg.MonitorInterval,
		ScheduleLead:        cfg.ScheduleLead,
	}, dispatch.Deps{
		Rides:    store,
		Drivers:  store,
		Geo:      index,
		Locks:    locker,
		ETA:      estimator,
		Notifier: notifier,
		Payments: gateway,
		Logger:   logger,
	})
	defer engine.Close()

	gazetteer := places.NewLagos()
	var area *places.Gazetteer
	if cfg.EnforceServiceArea {
		area = gazetteer
	}
	svc := service.New(service.Deps{
		Engine:  engine,
		Rides:   store,
		Riders:  store,
		Tariffs: tariffs,
		Locks:   locker,
		Area:    area,
		Logger:  logger,
	}, service.Options{
		ConflictRetries:   cfg.ConflictRetries,
		DependencyRetries: cfg.DependencyRetries,
		Backoff:           cfg.RetryBackoff,
	})

	go engine.RunTimeoutMonitor(ctx)
	go engine.RunScheduler(ctx)

	api := httpapi.NewServer(svc, httpapi.Options{
		Places: gazetteer,
		WS:     ws,
		Kafka:  producer,
		Checks: checks,
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
