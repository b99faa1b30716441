package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"marketpulse/internal/alerts"
	"marketpulse/internal/arbitrage"
	"marketpulse/internal/archive"
	"marketpulse/internal/auth"
	"marketpulse/internal/cache"
	"marketpulse/internal/catalog"
	"marketpulse/internal/client/kalshi"
	"marketpulse/internal/client/polymarket/clob"
	polymarketgamma "marketpulse/internal/client/polymarket/gamma"
	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	cronrunner "marketpulse/internal/cron"
	"marketpulse/internal/db"
	"marketpulse/internal/handler"
	"marketpulse/internal/ingest"
	"marketpulse/internal/logger"
	"marketpulse/internal/metrics"
	"marketpulse/internal/models"
	"marketpulse/internal/movers"
	"marketpulse/internal/notify"
	"marketpulse/internal/pricecache"
	gormrepository "marketpulse/internal/repository/gorm"
	"marketpulse/internal/retention"
	"marketpulse/internal/rollup"
	"marketpulse/internal/service"
	"marketpulse/internal/spikes"
	"marketpulse/internal/stats"
	"marketpulse/internal/stream"
	"marketpulse/internal/volume"

	_ "marketpulse/docs"
)

func main() {
	cfgPath := os.Getenv("MP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("MP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	clk := clock.Real{}
	store := gormrepository.New(dbConn.Gorm)
	settingsSvc := &service.SystemSettingsService{Repo: store, Logger: logger, Clock: clk}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	registry := metrics.NewRegistry(clk)
	fanout := notify.FromConfig(cfg.Notify, logger)
	defer fanout.Close()
	notifier := &service.SwitchedNotifier{Settings: settingsSvc, Next: fanout}

	var priceStore cache.Store
	if cfg.Redis.Enabled {
		rs := cache.NewRedisStore(cfg.Redis)
		defer rs.Close()
		priceStore = rs
	} else {
		priceStore = cache.NewMemoryStore(clk)
	}
	prices := pricecache.New(priceStore, store, cfg.Redis.PriceTTL, logger)

	rollupEngine := rollup.NewEngine(models.Granularities...)
	rollupSvc := rollup.NewService(rollupEngine, store, logger, clk)
	accumulator := volume.NewAccumulator(store, logger, clk, registry)

	gammaClient := polymarketgamma.NewClient(&http.Client{Timeout: cfg.Gamma.Timeout}, cfg.Gamma.BaseURL)
	var kalshiSrc catalog.KalshiSource
	var venues []stream.Venue
	if cfg.Poly.Enabled {
		venues = append(venues, clob.NewVenue(cfg.Poly, clk))
	}
	if cfg.Kalshi.Enabled {
		var signer *kalshi.Signer
		if cfg.Kalshi.APIKey != "" && cfg.Kalshi.PrivateKeyPath != "" {
			signer, err = kalshi.LoadSigner(cfg.Kalshi.APIKey, cfg.Kalshi.PrivateKeyPath)
			if err != nil {
				logger.Fatal("kalshi signer load failed", zap.Error(err))
			}
		}
		kv := kalshi.NewVenue(cfg.Kalshi, signer, clk)
		kalshiSrc = kv.Client()
		venues = append(venues, kv)
	}
	syncer := catalog.NewSyncer(store, gammaClient, kalshiSrc, cfg.Catalog, logger, clk)

	spikeDetector := spikes.NewDetector(store, store, store, accumulator, cfg.Spikes, logger, clk)
	estimator := stats.NewEstimator(store, store, store, cfg.Stats, logger, clk)
	moversSvc := movers.NewService(movers.Deps{
		Catalog: store,
		Ticks:   store,
		Stats:   store,
		Movers:  store,
		Volumes: accumulator,
		Ratios:  spikeDetector,
	}, cfg.Movers, logger, clk)
	alertGen := alerts.NewGenerator(alerts.Deps{
		Catalog:  store,
		Ticks:    store,
		Movers:   store,
		Spikes:   store,
		Alerts:   store,
		Notifier: notifier,
		Counter:  registry,
	}, cfg.Alerts, logger, clk)
	suppressor := alerts.NewSuppressor(store, store, cfg.Alerts.ArchiveSuppressed, logger, clk)
	matcher := arbitrage.NewMatcher(store, store, cfg.Arbitrage.MinSimilarity, logger)
	arbSvc := arbitrage.NewService(store, store, prices, notifier, cfg.Arbitrage, logger, clk)

	var archiver retention.TickArchiver
	if cfg.Archive.Enabled {
		uploader, err := archive.NewS3Uploader(context.Background(), cfg.Archive)
		if err != nil {
			logger.Fatal("archive uploader init failed", zap.Error(err))
		}
		archiver = &service.SwitchedArchiver{Settings: settingsSvc, Next: archive.New(uploader, cfg.Archive, logger, clk)}
	}
	retentionSvc := retention.New(store, store, archiver, rollupEngine, cfg.Retention, logger, clk)
	statusSvc := &service.VenueStatusService{Repo: store, Source: registry, Logger: logger, Clock: clk}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(auth.OptionalClaims(auth.JWT{Secret: []byte(cfg.Auth.JWTSecret)}))

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = registry.Handler()
	}
	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Metrics: metricsHandler}
	healthHandler.Register(engine)
	catalogHandler := &handler.CatalogHandler{Repo: store, Syncer: syncer, Logger: logger}
	catalogHandler.Register(engine)

	v2Movers := &handler.V2MoversHandler{Movers: store, Catalog: store}
	v2Movers.Register(engine)
	v2Alerts := &handler.V2AlertsHandler{Repo: store, Clock: clk}
	v2Alerts.Register(engine)
	v2Spikes := &handler.V2SpikesHandler{Repo: store, Clock: clk}
	v2Spikes.Register(engine)
	v2Arbitrage := &handler.V2ArbitrageHandler{Repo: store, Matcher: matcher, Executor: arbSvc}
	v2Arbitrage.Register(engine)
	v2Instruments := &handler.V2InstrumentsHandler{
		Catalog: store,
		Candles: store,
		Stats:   store,
		Volumes: store,
		Prices:  prices,
		Refresh: estimator,
		Clock:   clk,
	}
	v2Instruments.Register(engine)
	v2Status := &handler.V2StatusHandler{
		Source:      registry,
		Repo:        store,
		StaleAfter:  cfg.Stream.StaleAfter,
		DefaultTier: cfg.Auth.DefaultTier,
		Clock:       clk,
	}
	v2Status.Register(engine)
	v2Settings := &handler.V2SystemSettingsHandler{Repo: store, Settings: settingsSvc}
	v2Settings.Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catalog first so the stream managers have ids on their first refresh.
	if settingsSvc.IsEnabled(ctx, service.FeatureCatalogSync, true) {
		if err := syncer.Run(ctx); err != nil {
			logger.Warn("initial catalog sync failed (continuing)", zap.Error(err))
		}
	}

	instantMovers := &service.SwitchedMovers{Settings: settingsSvc, Next: moversSvc}
	managers := map[string]*stream.Manager{}
	pipelines := ingest.NewGroup(logger)
	for _, v := range venues {
		mgr := stream.NewManager(v, catalog.StreamIDs(store, v.Name(), cfg.Stream.MaxAssets), cfg.Stream, registry, notifier, logger, clk)
		managers[v.Name()] = mgr
		pipeline := ingest.NewPipeline(v.Name(), ingest.Deps{
			Catalog: store,
			Ticks:   store,
			Volumes: accumulator,
			Rollup:  rollupSvc,
			Prices:  prices,
			Movers:  instantMovers,
			Metrics: registry,
		}, cfg.Ingest, logger, clk)
		pipelines.Go(ctx, pipeline, mgr.Connect(ctx, nil))
	}
	syncer.OnNewTokens(func(venue string, ids []string) {
		if mgr, ok := managers[venue]; ok {
			mgr.Subscribe(ids)
		}
	})

	cronRunner := cronrunner.New(logger, ctx)
	cronRunner.Observe(registry.JobRun)
	if cfg.Cron.Enabled {
		jobs := []struct {
			name    string
			spec    string
			feature string
			job     cronrunner.Job
		}{
			{"catalog_sync", cfg.Cron.CatalogSync, service.FeatureCatalogSync, syncer.Run},
			{"rollup_flush", cfg.Cron.RollupFlush, service.FeatureRollup, rollupSvc.Flush},
			{"stats", cfg.Cron.Stats, service.FeatureStats, estimator.Run},
			{"movers", cfg.Cron.Movers, service.FeatureMovers, moversSvc.Run},
			{"spikes", cfg.Cron.Spikes, service.FeatureSpikes, spikeDetector.Run},
			{"alerts", cfg.Cron.Alerts, service.FeatureAlerts, alertGen.Run},
			{"alert_cleanup", cfg.Cron.Cleanup, service.FeatureAlertCleanup, func(ctx context.Context) error {
				since := clk.Now().AddDate(0, 0, -alertLookbackDays(cfg.Retention))
				_, err := suppressor.Cleanup(ctx, since)
				return err
			}},
			{"arbitrage_pairs", cfg.Cron.CatalogSync, service.FeatureArbitrage, matcher.Run},
			{"arbitrage", cfg.Cron.Arbitrage, service.FeatureArbitrage, arbSvc.Run},
			{"retention", cfg.Cron.Retention, service.FeatureRetention, func(ctx context.Context) error {
				_, err := retentionSvc.Run(ctx)
				return err
			}},
		}
		for _, j := range jobs {
			if _, err := cronRunner.Add(j.name, j.spec, settingsSvc.Guard(j.feature, j.job)); err != nil {
				logger.Warn("cron register failed", zap.String("job", j.name), zap.Error(err))
			}
		}
		if _, err := cronRunner.Add("venue_status", cfg.Cron.Status, statusSvc.Persist); err != nil {
			logger.Warn("cron register failed", zap.String("job", "venue_status"), zap.Error(err))
		}
	}
	cronRunner.Start()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	// Pipelines feed the rollup engine, so they drain before its last flush
	// and everything finishes before the deferred db.Close.
	stop()
	cronRunner.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := pipelines.Wait(shutdownCtx); err != nil {
		logger.Warn("ingest pipelines did not drain", zap.Error(err))
	}
	if err := rollupSvc.Flush(shutdownCtx); err != nil {
		logger.Warn("final rollup flush failed", zap.Error(err))
	}
}

// alertLookbackDays bounds the cleanup pass; older alerts are pruned anyway.
func alertLookbackDays(cfg config.RetentionConfig) int {
	if cfg.AlertsDays > 0 {
		return cfg.AlertsDays
	}
	return 30
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
