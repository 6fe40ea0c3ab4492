package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"stevedore/internal/catalog"
	"stevedore/internal/handlers"
	"stevedore/internal/metrics"
	"stevedore/internal/origin"
	"stevedore/internal/realtime"
	"stevedore/internal/relay"
	"stevedore/pkg/config"
	"stevedore/pkg/logging"
	"stevedore/pkg/monitoring"
	"stevedore/pkg/redis"
	"stevedore/pkg/server"
	"stevedore/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("stevedore")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Stevedore (Catalog Cache & Streaming Relay)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("stevedore", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("stevedore", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Origin client
	originCfg := origin.ConfigFromEnv()
	originCfg.BaseURL = config.RequireEnv("ORIGIN_BASE_URL")
	originCfg.AccessKey = config.RequireEnv("ORIGIN_ACCESS_KEY")
	originClient := origin.NewClient(originCfg, logger)

	// Optional shared snapshot tier
	var redisClient *goredis.Client
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.NewClientFromURL(ctx, redisURL)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running on the in-process tier only")
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	// Snapshot store and refresh loop
	snapshotTTL := config.GetEnvDuration("CATALOG_TTL", 5*time.Minute)
	var sharedTier catalog.SharedTier
	if redisClient != nil {
		sharedTier = redisClient
	}
	store := catalog.NewSnapshotStore(snapshotTTL, sharedTier, logger)
	store.SetLookupHook(func(outcome string) {
		serviceMetrics.CacheLookups.WithLabelValues(outcome).Inc()
	})

	refresher := catalog.NewRefresher(
		originClient,
		store,
		config.GetEnvInt("REFRESH_FOLDER_CONCURRENCY", 2),
		config.GetEnvDuration("REFRESH_FOLDER_STAGGER", 500*time.Millisecond),
		logger,
	)
	refresher.SetMetrics(catalog.RefresherMetrics{
		OnRun: func(trigger, status string, duration time.Duration) {
			serviceMetrics.RefreshRuns.WithLabelValues(trigger, status).Inc()
			serviceMetrics.RefreshDuration.WithLabelValues(trigger).Observe(duration.Seconds())
		},
		OnFolderFailure: func(folderID string) {
			serviceMetrics.FolderFailures.WithLabelValues(folderID).Inc()
		},
	})

	scheduler := catalog.NewScheduler(refresher, config.GetEnvDuration("REFRESH_INTERVAL", 5*time.Minute), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Serve immediately from a persisted snapshot when one exists; the
	// startup refresh replaces it shortly after.
	store.Rehydrate(ctx)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Track snapshot age for dashboards
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				serviceMetrics.SnapshotAge.Set(store.SnapshotAge().Seconds())
			}
		}
	}()

	// Streaming relay
	resolver := relay.NewResolver(store, originClient, logger)
	streamRelay := relay.NewRelay(resolver, originClient, logger)

	// Realtime viewer counts
	fetcher := realtime.NewFetcher(originClient, config.GetEnvDuration("REALTIME_TIMEOUT", 5*time.Second), logger)
	hub := realtime.NewHub(fetcher, config.GetEnvDuration("REALTIME_POLL_INTERVAL", 10*time.Second), logger)
	hub.SetClientCountHook(func(n int) {
		serviceMetrics.RealtimeClients.Set(float64(n))
	})
	go hub.Run(ctx)

	// Health checks. Origin reachability shows up through snapshot age, so
	// no direct probe burns origin quota.
	healthChecker.AddCheck("snapshot", monitoring.SnapshotHealthCheck(store.LastRefresh))
	if redisClient != nil {
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"ORIGIN_BASE_URL": originCfg.BaseURL,
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "stevedore", healthChecker, metricsCollector)

	apiHandlers := handlers.New(store, scheduler, streamRelay, fetcher, hub, originClient, serviceMetrics, logger)
	apiHandlers.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("stevedore", "18020")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
