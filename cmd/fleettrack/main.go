package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"

	"fleettrack/internal/cache"
	"fleettrack/internal/config"
	"fleettrack/internal/deviation"
	"fleettrack/internal/domain"
	"fleettrack/internal/eta"
	"fleettrack/internal/geofence"
	"fleettrack/internal/handler"
	"fleettrack/internal/history"
	"fleettrack/internal/hub"
	"fleettrack/internal/ingestor"
	"fleettrack/internal/middleware"
	"fleettrack/internal/notify"
	"fleettrack/internal/seed"
	"fleettrack/internal/source"
	"fleettrack/internal/store"
	"fleettrack/internal/telemetry"
	"fleettrack/internal/tracking"
	"fleettrack/internal/trips"
	"fleettrack/pkg/gtfs"
	"fleettrack/pkg/gtfsrt"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting fleettrack server",
		"version", version,
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"source", cfg.PositionSource,
		"redis_enabled", cfg.RedisEnabled,
		"postgres_enabled", cfg.PostgresEnabled,
		"kafka_enabled", cfg.KafkaEnabled,
		"mail_enabled", cfg.MailEnabled,
		"gtfs_shapes_enabled", cfg.GTFSStaticURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewClock()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "fleettrack",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telemetry.NewTrackingMetrics(provider.Meter())
	if err != nil {
		logger.Error("failed to create instruments", "error", err)
		os.Exit(1)
	}

	var checks []handler.ReadinessCheck

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		checks = append(checks, handler.ReadinessCheck{Name: "redis", Check: redisCache.Ping})
	}

	historyStore := history.New(history.Options{
		Cap:       cfg.HistoryCap,
		Retention: cfg.HistoryRetention,
		Clock:     clk,
	})

	geofenceOpts := geofence.Options{
		LiveRegionCap: cfg.LiveRegionCap,
		Clock:         clk,
		Logger:        logger,
		OnEvict:       metrics.LiveRegionEvicted,
	}
	if redisCache != nil {
		geofenceOpts.Repository = geofence.NewRedisRepository(redisCache, cache.KeyGeofences)
	}
	registry := geofence.NewRegistry(geofenceOpts)
	if _, err := registry.Load(ctx); err != nil {
		logger.Warn("failed to load geofences", "error", err)
	}

	var snapshotter *cache.Snapshotter
	if redisCache != nil {
		snapshotter = cache.NewSnapshotter(redisCache, historyStore, cfg.HistoryRetention, clk, logger)
		if _, err := snapshotter.Restore(ctx); err != nil {
			logger.Warn("failed to restore history snapshot", "error", err)
		}
	}

	var speed eta.SpeedModel = eta.ConstantSpeed(cfg.AverageSpeedMPS)
	if cfg.UseLiveSpeed {
		speed = eta.LiveSpeed{Fallback: eta.ConstantSpeed(cfg.AverageSpeedMPS)}
	}

	book := trips.NewBook()
	var tripLookup trips.Lookup = book
	if cfg.PostgresEnabled {
		pool, err := trips.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		tripLookup = trips.Chain{book, trips.NewPostgresLookup(pool)}
		checks = append(checks, handler.ReadinessCheck{Name: "postgres", Check: pool.Ping})
	}

	wsHub := hub.NewHub(logger)
	recent := notify.NewRecent(100)
	sinks := notify.Multi{notify.NewLogSink(logger), recent, wsHub}

	var kafkaSink *notify.KafkaSink
	if cfg.KafkaEnabled {
		kafkaSink = notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if cfg.MailEnabled {
		sinks = append(sinks, notify.NewMailSink(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		}, cfg.MailRecipients, logger))
	}

	var coordinator *tracking.Coordinator
	var positions tracking.PositionSource
	switch cfg.PositionSource {
	case config.SourceGTFSRT:
		positions = source.NewFeedSource(gtfsrt.New(cfg.GTFSRTPositionsURL, cfg.GTFSRTAPIKey), source.FeedOptions{
			MaxAge: cfg.IngestInterval,
			Clock:  clk,
			Logger: logger,
		})
	default:
		positions = source.NewSimulator(source.SimulatorOptions{
			SpeedMPS: cfg.SimSpeedMPS,
			Jitter:   source.DefaultSimJitter,
			Seed:     cfg.SimSeed,
			Origin:   domain.Coordinate{Lat: cfg.SimOriginLat, Lon: cfg.SimOriginLon},
			Routes: source.RouteFunc(func(vehicleID string) (domain.MonitoredRoute, bool) {
				return coordinator.Route(vehicleID)
			}),
			Clock: clk,
		})
	}

	liveStore := store.New(cfg.TileZoomLevel, cfg.VehicleStaleAfter)

	var shapes handler.ShapeCatalog
	var shapeIngestor *ingestor.ShapeIngestor
	if cfg.GTFSStaticURL != "" {
		shapeStore := store.NewShapeStore()
		shapeIngestor = ingestor.NewShapeIngestor(
			gtfs.NewDownloader(cfg.GTFSStaticURL, logger),
			shapeStore,
			cfg.GTFSCacheDir,
			cfg.GTFSUpdateInterval,
			clk,
			logger,
		)
		shapes = shapeStore
		checks = append(checks, handler.ReadinessCheck{Name: "gtfs_shapes", Check: shapeIngestor.Ready})
	}

	coordinator = tracking.New(tracking.Deps{
		History:     historyStore,
		Geofences:   registry,
		Deviation:   deviation.NewDetector(deviation.Options{ThresholdMeters: cfg.OffRouteThresholdMeters}),
		ETA:         eta.NewEstimator(eta.Options{DelayThresholdMinutes: cfg.DelayThresholdMinutes, Speed: speed}),
		Source:      positions,
		Trips:       tripLookup,
		Sink:        sinks,
		Live:        liveStore,
		Broadcaster: wsHub,
		Clock:       clk,
		Logger:      logger,
		Metrics:     metrics,
	}, tracking.Config{
		IngestInterval:         cfg.IngestInterval,
		DeviationCheckInterval: cfg.DeviationCheckInterval,
		FetchTimeout:           cfg.PositionFetchTimeout,
		PurgeInterval:          cfg.HistoryPurgeInterval,
		MaxParallel:            cfg.MaxParallelVehicles,
	})

	var vehicleIDs []string
	if cfg.SeedFile != "" {
		doc, err := seed.Load(cfg.SeedFile)
		if err != nil {
			logger.Error("failed to load seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		res, err := seed.Apply(ctx, doc, seed.Target{
			Geofences: registry,
			Trips:     book,
			Routes:    coordinator,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("seed applied with errors", "error", err)
		}
		logger.Info("seed applied",
			"geofences_added", res.GeofencesAdded,
			"geofences_skipped", res.GeofencesSkipped,
			"trips", res.Trips,
			"routes", res.Routes,
		)
		vehicleIDs = doc.Vehicles
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, clk, logger)
	limiter.OnBlocked = func(string) { handler.ServerStats.IncRateLimitBlocked() }

	router := handler.NewRouter(handler.Handlers{
		Tracking:  handler.NewTrackingHandler(coordinator, recent),
		Geofences: handler.NewGeofenceHandler(registry),
		Routes:    handler.NewRouteHandler(coordinator, shapes),
		Trips:     handler.NewTripHandler(book, historyStore),
		Vehicles:  handler.NewVehicleHandler(liveStore, historyStore, registry, coordinator, cfg.OffRouteThresholdMeters),
		Health:    handler.NewHealthHandler(coordinator, liveStore, checks...),
		Stats:     handler.NewStatsHandler(liveStore, historyStore, registry, coordinator, limiter, version),
		WS:        handler.NewWSHandler(wsHub, liveStore, cfg.TileZoomLevel, logger),
		Limiter:   limiter,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)
	go limiter.Run(ctx)
	if shapeIngestor != nil {
		go shapeIngestor.Start(ctx)
	}

	snapshotDone := make(chan struct{})
	if snapshotter != nil {
		go func() {
			defer close(snapshotDone)
			snapshotter.Run(ctx, cfg.SnapshotInterval)
		}()
	} else {
		close(snapshotDone)
	}

	coordinator.Start(ctx, vehicleIDs)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	coordinator.Stop()

	select {
	case <-snapshotDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("history snapshot did not finish before shutdown timeout")
	}

	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
