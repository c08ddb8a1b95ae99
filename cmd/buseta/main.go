package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buseta/internal/cache"
	"buseta/internal/config"
	"buseta/internal/domain"
	"buseta/internal/eta"
	"buseta/internal/events"
	"buseta/internal/handler"
	"buseta/internal/hub"
	"buseta/internal/ingestor"
	"buseta/internal/metrics"
	"buseta/internal/middleware"
	"buseta/internal/notify"
	"buseta/internal/store"
	"buseta/internal/sweeper"
)

type repository interface {
	eta.Repository
	notify.Repository
	CountETAs(ctx context.Context) (int, error)
}

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

	logger.Info("starting buseta server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisEnabled,
		"nats", cfg.NATSURL != "",
		"gtfs_enabled", cfg.GTFSSource != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector()

	var repo repository = store.NewMemory()
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
		repo = pg
	}

	var kv cache.Store = cache.NewMemoryCache(time.Minute)
	if cfg.RedisEnabled {
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory cache", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rc.Close()
			kv = rc
		}
	}

	lines := store.NewMemoryLines()
	users := store.NewMemoryUsers()
	if cfg.SeedFile != "" {
		if err := store.LoadSeedFile(cfg.SeedFile, lines, users); err != nil {
			logger.Error("failed to load seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		logger.Info("seed loaded", "path", cfg.SeedFile)
	}
	var gtfsIng *ingestor.GTFSIngestor
	if cfg.GTFSSource != "" {
		gtfsIng = ingestor.NewGTFSIngestor(cfg.GTFSSource, cfg.GTFSDirection, cfg.GTFSCacheDir, lines, cfg.GTFSUpdateInterval, logger)
	}
	tracking := store.NewMemoryTracking(cfg.SpeedWindow)

	wsHub := hub.NewHub(logger, collector)
	broadcasters := events.Fanout{wsHub}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, "buseta", collector, logger)
		if err != nil {
			logger.Warn("nats unavailable, events not mirrored", "url", cfg.NATSURL, "error", err)
		} else {
			defer pub.Close()
			broadcasters = append(broadcasters, pub)
		}
	}

	etaService := eta.NewService(repo, tracking, lines, kv, cfg.ETA(), logger,
		eta.WithBroadcaster(broadcasters),
		eta.WithMetrics(collector),
	)

	registry := notify.NewRegistry()
	if cfg.FCMServerKey != "" {
		registry.Register(domain.ChannelPush, notify.NewPushSender(cfg.FCMServerKey, logger))
	}
	if cfg.SMSGatewayURL != "" {
		registry.Register(domain.ChannelSMS, notify.NewSMSSender(cfg.SMSGatewayURL, cfg.SMSGatewayToken, cfg.SMSTimeout))
	}
	if cfg.SMTPAddr != "" {
		registry.Register(domain.ChannelEmail, notify.NewEmailSender(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom))
	}
	logger.Info("notification channels", "channels", registry.Channels())

	dispatcher := notify.NewDispatcher(repo, users, registry, logger, notify.WithMetrics(collector))

	sw := sweeper.New(etaService, dispatcher, sweeper.Intervals{
		Status:      cfg.StatusSweepInterval,
		Notify:      cfg.NotifySweepInterval,
		ArrivalScan: cfg.ArrivalScanInterval,
		Recalc:      cfg.RecalcSweepInterval,
	}, logger)

	httpHandler := handler.NewHTTPHandler(etaService, dispatcher, logger)
	wsHandler := handler.NewWSHandler(wsHub, etaService, logger)
	healthHandler := handler.NewHealthHandler(sw, repo)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, logger)

	api := http.NewServeMux()
	httpHandler.Register(api)

	mux := http.NewServeMux()
	mux.Handle("/v1/", limiter.Middleware(handler.GzipMiddleware(api)))
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = collector.Serve(cfg.MetricsAddr, logger)
	}

	go wsHub.Run(ctx)
	if gtfsIng != nil {
		go gtfsIng.Start(ctx)
	}
	go limiter.Run(ctx)
	go sw.Run(ctx)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
