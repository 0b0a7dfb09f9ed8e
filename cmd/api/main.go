// cmd/api/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spatialtag/internal/adapter/events"
	"spatialtag/internal/adapter/mqtt"
	"spatialtag/internal/adapter/storage"
	"spatialtag/internal/config"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
	"spatialtag/internal/server"
	discoveryService "spatialtag/internal/service/discovery"
	geoService "spatialtag/internal/service/geo"
	"spatialtag/internal/service/lifecycle"
	"spatialtag/internal/service/privacy"
	proxcache "spatialtag/internal/service/proximity"
	"spatialtag/internal/service/ratelimit"
	"spatialtag/internal/service/visibility"
	"spatialtag/internal/telemetry"
)

func main() {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env file: %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Service failed", zap.Error(err))
	}
}

// closer releases one resource during shutdown
type closer func(ctx context.Context) error

func run(cfg config.Config, logger *zap.Logger) (err error) {
	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Resources are released in reverse order of acquisition
	var closers []closer
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i](shutdownCtx))
		}
	}()

	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.NewString()
	}
	clk := clock.New()
	calc := geoService.NewCalculator()

	// Telemetry
	metrics := telemetry.NewMetrics(cfg.Telemetry.Namespace)
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Enabled:     cfg.Telemetry.TraceEnabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.Namespace,
		SampleRatio: cfg.Telemetry.TraceSampling,
	})
	if err != nil {
		return fmt.Errorf("error setting up tracing: %w", err)
	}
	closers = append(closers, shutdownTracing)

	// Proximity index
	backend, err := openIndex(ctx, cfg, calc, metrics, logger)
	if err != nil {
		return err
	}
	closers = append(closers, backend.close)

	// Rate limiting
	var counters ratelimit.CounterStore = ratelimit.NewMemoryStore(clk, cfg.Cache.MaxEntries, cfg.RateLimit.Window)
	if cfg.RateLimit.Store == "postgres" {
		counters = storage.NewPGCounterStore(backend.pool)
	}
	limiter := ratelimit.NewLimiter(counters, ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
	}, logger.Named("ratelimit"))

	// Events
	bus, closeEvents, err := openEvents(cfg, calc, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeEvents)

	// Cache, shared by this replica and invalidated by the others
	cache := proxcache.NewCache(proxcache.Config{
		NearbyTTL:   cfg.Cache.NearbyTTL,
		EntityTTL:   cfg.Cache.EntityTTL,
		MaxEntries:  cfg.Cache.MaxEntries,
		LoadTimeout: cfg.Cache.LoadTimeout,
	}, metrics, logger.Named("cache"))

	unsubscribe, err := bus.SubscribeAll(cfg.ReplicaID, func(ev discovery.TagEvent) {
		positions := []geo.Position{ev.Tag.Position}
		if ev.Prior != nil {
			positions = append(positions, *ev.Prior)
		}
		cache.InvalidateEntity(ev.TagID, positions...)
	})
	if err != nil {
		return fmt.Errorf("error subscribing to replica events: %w", err)
	}
	closers = append(closers, func(context.Context) error { return unsubscribe() })

	// Policy and privacy
	policy, filter, err := newDisclosure(cfg, calc, clk)
	if err != nil {
		return err
	}

	svc := discoveryService.NewService(discoveryService.Deps{
		Index:    backend.index,
		Cache:    cache,
		Policy:   policy,
		Privacy:  filter,
		Events:   bus,
		Limiter:  limiter,
		Recorder: metrics,
		Clock:    clk,
		Logger:   logger,
	}, discoveryService.Config{
		MaxResults:       cfg.Discovery.MaxResults,
		ProfileTTL:       cfg.Discovery.ProfileTTL,
		BatchConcurrency: cfg.Discovery.BatchConcurrency,
		ReplicaID:        cfg.ReplicaID,
	})

	// Lifecycle sweeps
	manager := lifecycle.NewManager(backend.index, cache, bus, metrics, clk, lifecycle.Config{
		Interval:      cfg.Lifecycle.Interval,
		BatchSize:     cfg.Lifecycle.BatchSize,
		MaxBatches:    cfg.Lifecycle.MaxBatches,
		Grace:         cfg.Lifecycle.Grace,
		Retention:     cfg.Lifecycle.Retention,
		SweepTimeout:  cfg.Lifecycle.SweepTimeout,
		EventsEnabled: true,
	}, logger)
	if pg, ok := counters.(*storage.PGCounterStore); ok {
		manager.RegisterJanitor("rate_counters", pg.Prune)
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("error starting lifecycle manager: %w", err)
	}
	closers = append(closers, manager.Stop)

	// Optional MQTT location ingestion
	if cfg.MQTT.BrokerURL != "" {
		ingester := mqtt.NewIngester(svc, mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID + "-" + cfg.ReplicaID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: mqtt.DefaultConfig().ConnectTimeout,
			HandleTimeout:  cfg.Server.RequestTimeout,
		}, logger)
		if err := ingester.Start(); err != nil {
			return fmt.Errorf("error starting MQTT ingestion: %w", err)
		}
		closers = append(closers, func(context.Context) error { ingester.Stop(); return nil })
	}

	// Initialize HTTP server
	httpServer := server.NewServer(cfg.Server, server.Deps{
		Discovery: svc,
		Streams:   metrics,
		Metrics:   metrics.Handler(),
		Health:    backend.health,
		Logger:    logger.Named("http"),
	})

	// Start HTTP server
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("index", cfg.Index.Backend),
			zap.String("replica_id", cfg.ReplicaID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	closers = append(closers, httpServer.Shutdown)

	// Wait for shutdown signal
	select {
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	logger.Info("Shutting down services")
	return nil
}

// indexBackend is the selected proximity index with its lifecycle hooks
type indexBackend struct {
	index  proximity.Index
	pool   *pgxpool.Pool // set for the postgis backend
	health func(ctx context.Context) error
	close  closer
}

func openIndex(ctx context.Context, cfg config.Config, calc geo.DistanceCalculator, metrics *telemetry.Metrics, logger *zap.Logger) (indexBackend, error) {
	noClose := func(context.Context) error { return nil }

	switch cfg.Index.Backend {
	case config.BackendSQLite:
		idx, err := storage.OpenSQLiteIndex(ctx, cfg.SQLite.Path, calc)
		if err != nil {
			return indexBackend{}, fmt.Errorf("error opening sqlite index: %w", err)
		}
		logger.Info("Using SQLite index", zap.String("path", cfg.SQLite.Path))
		return indexBackend{index: idx, close: func(context.Context) error { return idx.Close() }}, nil

	case config.BackendPostGIS:
		pool, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			return indexBackend{}, err
		}
		idx := storage.NewPostGISIndex(pool, calc)
		if cfg.Database.Migrate {
			if err := idx.Migrate(ctx); err != nil {
				pool.Close()
				return indexBackend{}, fmt.Errorf("error migrating database: %w", err)
			}
		}
		logger.Info("Using PostGIS index", zap.String("host", cfg.Database.Host))
		return indexBackend{
			index:  idx,
			pool:   pool,
			health: func(ctx context.Context) error { return pool.Ping(ctx) },
			close:  func(context.Context) error { pool.Close(); return nil },
		}, nil

	default:
		idx := storage.NewMemoryIndex(calc, storage.MemoryIndexConfig{
			CellDegrees: cfg.Index.CellDegrees,
			Stripes:     cfg.Index.Stripes,
		})
		metrics.RegisterIndexSize(cfg.Telemetry.Namespace, idx.Len)
		logger.Info("Using in-memory index")
		return indexBackend{index: idx, close: noClose}, nil
	}
}

// Initialize database connection
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return db, nil
}

// openEvents connects to NATS, starting an embedded server when no URL is
// configured
func openEvents(cfg config.Config, calc geo.DistanceCalculator, logger *zap.Logger) (*events.NATSBus, closer, error) {
	url := cfg.NATS.URL
	var embedded *events.Embedded
	if url == "" {
		var err error
		embedded, err = events.StartEmbedded(events.EmbeddedConfig{
			Host: cfg.NATS.EmbeddedHost,
			Port: cfg.NATS.EmbeddedPort,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		url = embedded.ClientURL()
	}

	nc, err := events.Connect(url, "spatialtag-"+cfg.ReplicaID, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}

	bus := events.NewNATSBus(nc, calc, events.Config{SubjectPrefix: cfg.NATS.SubjectPrefix}, logger)
	return bus, func(context.Context) error {
		err := nc.Drain()
		if embedded != nil {
			embedded.Shutdown()
		}
		return err
	}, nil
}

// newDisclosure builds the visibility policy and privacy filter
func newDisclosure(cfg config.Config, calc geo.DistanceCalculator, clk clock.Clock) (*visibility.Policy, *privacy.Filter, error) {
	gate := make([]entity.StatusLevel, 0, len(cfg.Discovery.RestrictedGate))
	for _, s := range cfg.Discovery.RestrictedGate {
		level, ok := entity.ParseStatusLevel(s)
		if !ok {
			return nil, nil, fmt.Errorf("unknown status level %q in restricted gate", s)
		}
		gate = append(gate, level)
	}
	policy := visibility.NewPolicy(calc, clk, visibility.Config{
		RestrictedGate:   gate,
		PreferLocalFrame: cfg.Discovery.PreferLocalFrame,
	})

	var secret []byte
	if cfg.Privacy.JitterSecret != "" {
		secret = []byte(cfg.Privacy.JitterSecret)
	}
	jitter, err := privacy.NewKeyedJitter(secret, cfg.Privacy.JitterMinMeters, cfg.Privacy.JitterMaxMeters)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating privacy jitter: %w", err)
	}
	filter := privacy.NewFilter(privacy.Config{
		JitterMinMeters:    cfg.Privacy.JitterMinMeters,
		JitterMaxMeters:    cfg.Privacy.JitterMaxMeters,
		AccuracyFloor:      cfg.Privacy.AccuracyFloor,
		DistanceTierMeters: cfg.Privacy.DistanceTierMeters,
	}, jitter)

	return policy, filter, nil
}

// newLogger builds a JSON logger in production and a console logger otherwise
func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Format != "" {
		zcfg.Encoding = cfg.Log.Format
	}

	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zcfg.Level = level

	return zcfg.Build(zap.Fields(zap.String("service", cfg.Telemetry.Namespace)))
}
