package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "hybridstream/internal/api/http"
	"hybridstream/internal/app"
	"hybridstream/internal/cache"
	"hybridstream/internal/domain"
	"hybridstream/internal/loader"
	"hybridstream/internal/metrics"
	mongorepo "hybridstream/internal/repository/mongo"
	"hybridstream/internal/telemetry"
	"hybridstream/internal/transport/httpseg"
	"hybridstream/internal/transport/peerswarm"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "hybridstream")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "hybridstream"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("swarmDataDir", cfg.SwarmDataDir),
		slog.Bool("persistence", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence is optional: without MONGO_URI settings and playback
	// history live only in memory.
	var (
		mongoClient  *mongo.Client
		settingsRepo *mongorepo.LoaderSettingsRepository
		historyRepo  *mongorepo.PlaybackHistoryRepository
	)
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err = mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = mongoClient.Ping(ctx, readpref.Primary())
		}
		cancel()
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		settingsRepo = mongorepo.NewLoaderSettingsRepository(mongoClient, cfg.MongoDatabase)
		historyRepo = mongorepo.NewPlaybackHistoryRepository(mongoClient, cfg.MongoDatabase)
	}

	initialSettings := app.LoaderSettings{
		HTTPDownloadProbability:   cfg.HTTPDownloadProbability,
		SimultaneousHTTPDownloads: cfg.SimultaneousHTTPDownloads,
		SimultaneousP2PDownloads:  cfg.SimultaneousP2PDownloads,
		CachedSegmentsCount:       cfg.CachedSegmentsCount,
		CachedSegmentExpirationMS: cfg.CachedSegmentExpiration.Milliseconds(),
	}
	if settingsRepo != nil {
		ctx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if stored, ok, err := settingsRepo.GetLoaderSettings(ctx); err != nil {
			logger.Warn("loader settings load failed", slog.String("error", err.Error()))
		} else if ok {
			initialSettings = stored
		}
		cancel()
	}

	segmentCache := cache.New(cache.Config{
		MaxCount:   initialSettings.CachedSegmentsCount,
		Expiration: time.Duration(initialSettings.CachedSegmentExpirationMS) * time.Millisecond,
	}, logger)

	swarm, err := peerswarm.New(peerswarm.Config{
		DataDir:              cfg.SwarmDataDir,
		FailedSegmentTimeout: cfg.HTTPFailedSegmentTimeout,
	}, peerswarm.Opts{Logger: logger})
	if err != nil {
		logger.Error("swarm adapter init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	direct := httpseg.New(httpseg.Config{
		RequiredSegmentsPriority:   domain.Priority(cfg.RequiredSegmentsPriority),
		SkipSegmentBuilderPriority: domain.Priority(cfg.SkipSegmentBuilderPriority),
		FailedSegmentTimeout:       cfg.HTTPFailedSegmentTimeout,
		UseRanges:                  cfg.HTTPDownloadRanges,
		RequestTimeout:             cfg.HTTPRequestTimeout,
		RateLimitBytes:             cfg.HTTPRateLimitBytes,
	}, httpseg.Opts{
		Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger: logger,
	})

	ld := loader.New(loader.Config{
		RequiredSegmentsPriority:             domain.Priority(cfg.RequiredSegmentsPriority),
		HTTPDownloadMaxPriority:              domain.Priority(cfg.HTTPDownloadMaxPriority),
		P2PDownloadMaxPriority:               domain.Priority(cfg.P2PDownloadMaxPriority),
		HTTPDownloadProbability:              initialSettings.HTTPDownloadProbability,
		HTTPDownloadProbabilityInterval:      cfg.HTTPDownloadProbabilityInterval,
		HTTPDownloadProbabilitySkipIfNoPeers: cfg.HTTPDownloadProbabilitySkipNoPeer,
		SimultaneousHTTPDownloads:            initialSettings.SimultaneousHTTPDownloads,
		SimultaneousP2PDownloads:             initialSettings.SimultaneousP2PDownloads,
		HTTPDownloadInitialTimeout:           cfg.HTTPDownloadInitialTimeout,
		HTTPDownloadInitialTimeoutPerSegment: cfg.HTTPDownloadInitialTimeoutPerSegment,
	}, loader.Opts{
		Cache:  segmentCache,
		HTTP:   direct,
		P2P:    swarm,
		Peers:  swarm,
		Logger: logger,
	})

	// Both adapters report back through the loader's handler set.
	events := ld.Events()
	direct.Bind(events)
	swarm.Bind(events)

	if cfg.SwarmID != "" {
		if err := swarm.Join(rootCtx, domain.SwarmID(cfg.SwarmID)); err != nil {
			logger.Error("swarm join failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("SWARM_ID is empty, peer transport will not deliver segments")
	}

	ld.Start()

	settingsMgr := app.NewLoaderSettingsManager(initialSettings, ld, settingsStoreOrNil(settingsRepo))

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithSettings(settingsMgr),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	}
	if historyRepo != nil {
		serverOpts = append(serverOpts, apihttp.WithPlaybackHistory(historyRepo, domain.SwarmID(cfg.SwarmID)))
	}
	handler := apihttp.NewServer(ld, serverOpts...)

	// Fan loader lifecycle events out to WebSocket subscribers.
	for _, kind := range []domain.LoaderEvent{domain.EventSegmentLoaded, domain.EventSegmentError, domain.EventSegmentAbort} {
		ld.On(kind, func(ev loader.Event) {
			handler.BroadcastSegmentEvent(kind, ev.Segment, ev.Err)
		})
	}

	go pumpLoaderStats(rootCtx, ld, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := ld.Destroy(shutdownCtx); err != nil {
		logger.Warn("loader destroy error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// settingsStoreOrNil avoids handing the manager a typed-nil interface when
// persistence is disabled.
func settingsStoreOrNil(repo *mongorepo.LoaderSettingsRepository) app.LoaderSettingsStore {
	if repo == nil {
		return nil
	}
	return repo
}

// pumpLoaderStats periodically refreshes Prometheus gauges from loader state
// and pushes the snapshot to WebSocket subscribers.
func pumpLoaderStats(ctx context.Context, ld *loader.Loader, handler *apihttp.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := ld.Stats()
			metrics.PeersConnected.Set(float64(stats.PeersConnected))
			metrics.ActiveDownloads.WithLabelValues("http").Set(float64(stats.HTTPDownloads))
			metrics.ActiveDownloads.WithLabelValues("p2p").Set(float64(stats.P2PDownloads))
			metrics.CacheEntries.Set(float64(stats.CachedSegments))
			handler.BroadcastStats(stats)
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
