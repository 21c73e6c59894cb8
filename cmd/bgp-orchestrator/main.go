package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peerwatch/bgp-orchestrator/internal/alerting"
	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/audit"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/config"
	"github.com/peerwatch/bgp-orchestrator/internal/conflict"
	"github.com/peerwatch/bgp-orchestrator/internal/db"
	"github.com/peerwatch/bgp-orchestrator/internal/extsvc"
	"github.com/peerwatch/bgp-orchestrator/internal/features"
	"github.com/peerwatch/bgp-orchestrator/internal/httpapi"
	"github.com/peerwatch/bgp-orchestrator/internal/maintenance"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
	"github.com/peerwatch/bgp-orchestrator/internal/stream"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "detect":
		runDetect()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-orchestrator <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the orchestrator service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  detect        Scan the catalog for conflicts and exit")
	fmt.Println("  maintenance   Run the retention sweep (partitions, tombstones, anomalies)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(2)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(2)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// redisPinger adapts the redis client to the readiness check interface.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-orchestrator",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Apply pending migrations.
	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("failed to run migrations on startup", zap.Error(err))
	}

	// Ensure update partitions exist on startup.
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.UpdateDays, cfg.Retention.Timezone, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	// Redis backs the prefix-origin cache and the online feature view.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = newRedisClient(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("failed to create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	// --- Conflict detection ---
	var originValidator conflict.OriginValidator
	var prefixOrigin *extsvc.PrefixOrigin
	if cfg.Clients.PrefixOriginEnabled {
		verdictTTL := time.Duration(cfg.Clients.CacheTTLSeconds) * time.Second
		prefixOrigin = extsvc.NewPrefixOrigin(rdb, verdictTTL, logger.Named("prefix_origin"))
		originValidator = prefixOrigin
	}

	evaluator := conflict.NewEvaluator(cfg.RuleTimeout(), logger.Named("conflict"))
	for _, r := range conflict.DefaultRules(originValidator) {
		evaluator.Register(r)
	}

	recorder := audit.NewRecorder(cfg.Audit.HMACSecret)
	store := catalog.NewStore(pool, evaluator, recorder, logger.Named("catalog"))

	// --- Alerting ---
	var oncall *alerting.OncallClient
	if cfg.Alerting.Oncall.Enabled {
		oncall = alerting.NewOncallClient(cfg.Alerting.Oncall, logger.Named("oncall"))
	}
	var chat *alerting.ChatNotifier
	if cfg.Alerting.ChatWebhookURL != "" {
		chat = alerting.NewChatNotifier(cfg.Alerting.ChatWebhookURL, cfg.Alerting.ChatChannel, logger.Named("chat"))
	}
	dedupTTL := time.Duration(cfg.Alerting.DedupTTLSeconds) * time.Second
	dispatcher := alerting.NewDispatcher(oncall, chat, dedupTTL, logger.Named("alerting"))

	// --- Anomaly detection ---
	detector := anomaly.NewDetector(cfg.Detector.SeasonalModel, logger.Named("anomaly"))
	anomalyStore := anomaly.NewStore(pool, logger.Named("anomaly.store"))

	var wg sync.WaitGroup

	// --- Feature sink ---
	var offlineFeatures *features.OfflineStore
	var featureSink stream.FeatureSink
	if cfg.Features.Enabled {
		offlineFeatures = features.NewOfflineStore(pool, logger.Named("features.offline"))
		onlineFeatures := features.NewOnlineStore(rdb, cfg.Features.KeyPrefix)

		sink := features.NewSink(offlineFeatures, onlineFeatures, cfg.Features.QueueSize, logger.Named("features.sink"))
		featureSink = sink
		wg.Add(1)
		go func() { defer wg.Done(); sink.Run(ctx) }()

		materializer := features.NewMaterializer(
			offlineFeatures, onlineFeatures,
			time.Duration(cfg.Features.MaterializeIntervalMin)*time.Minute,
			cfg.Features.MaterializeWorkers,
			clockwork.NewRealClock(), logger.Named("features.materializer"),
		)
		wg.Add(1)
		go func() { defer wg.Done(); materializer.Run(ctx) }()

		logger.Info("feature pipeline started",
			zap.String("key_prefix", cfg.Features.KeyPrefix),
			zap.Int("materialize_interval_min", cfg.Features.MaterializeIntervalMin),
		)
	}

	// --- Flap tracking ---
	lookback := time.Duration(cfg.Detector.AnomalyLookbackHrs) * time.Hour
	flaps := stream.NewFlapTracker(lookback, clockwork.NewRealClock())
	scanner := stream.NewFlapScanner(flaps, detector, anomalyStore, dispatcher,
		time.Hour, clockwork.NewRealClock(), logger.Named("flap_scanner"))
	wg.Add(1)
	go func() { defer wg.Done(); scanner.Run(ctx) }()

	// --- Stream ingest ---
	var consumer *stream.Consumer
	var commitWg sync.WaitGroup
	if cfg.Broker.Enabled {
		writer := stream.NewWriter(pool, cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress, logger.Named("stream.writer"))
		pipeline := stream.NewPipeline(writer, store, evaluator, dispatcher, featureSink, flaps,
			cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, logger.Named("stream.pipeline"))

		records := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
		flushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

		consumer, err = stream.NewConsumer(cfg.Broker, logger.Named("stream.consumer"))
		if err != nil {
			logger.Fatal("failed to create update consumer", zap.Error(err))
		}
		defer consumer.Close()

		commitWg.Add(2)
		go func() { defer commitWg.Done(); consumer.Run(ctx, records, flushed) }()
		go func() {
			defer commitWg.Done()
			pipeline.Run(ctx, records, flushed)
			close(flushed)
		}()

		logger.Info("update pipeline started",
			zap.Strings("topics", cfg.Broker.Topics),
			zap.String("group_id", cfg.Broker.GroupID),
		)
	}

	// --- Prefix-origin live feed ---
	if prefixOrigin != nil && cfg.Clients.PrefixOriginEndpoint != "" {
		feed := extsvc.NewRISFeed(cfg.Clients.PrefixOriginEndpoint, prefixOrigin, logger.Named("ris_feed"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("prefix-origin feed stopped", zap.Error(err))
			}
		}()
	}

	// --- External clients for the API ---
	var analyzer httpapi.ConfigValidator
	if cfg.Clients.AnalyzerEndpoint != "" {
		guard := extsvc.NewGuard("analyzer", cfg.Clients, logger.Named("analyzer.guard"))
		analyzer = extsvc.NewAnalyzer(cfg.Clients.AnalyzerEndpoint, guard, logger.Named("analyzer"))
	}
	var liveState httpapi.SessionPoller
	if cfg.Clients.LiveStateEndpoint != "" {
		guard := extsvc.NewGuard("live_state", cfg.Clients, logger.Named("live_state.guard"))
		liveState = extsvc.NewLiveState(cfg.Clients.LiveStateEndpoint, guard, logger.Named("live_state"))
	}

	// --- In-process maintenance ---
	var featurePurger maintenance.RetentionPurger
	if offlineFeatures != nil {
		featurePurger = offlineFeatures
	}
	janitor := maintenance.NewJanitor(pm, store, anomalyStore, featurePurger,
		cfg.Retention, clockwork.NewRealClock(), logger.Named("janitor"))
	if err := janitor.Sweep(ctx); err != nil {
		logger.Warn("startup maintenance sweep finished with errors", zap.Error(err))
	}
	wg.Add(1)
	go func() { defer wg.Done(); janitor.Run(ctx) }()

	// --- HTTP server ---
	deps := httpapi.Deps{
		Catalog:   store,
		Analyzer:  analyzer,
		LiveState: liveState,
		Updates:   stream.NewReader(pool, logger.Named("stream.reader")),
		Detector:  detector,
		Anomalies: anomalyStore,
		DB:        pool,
	}
	if consumer != nil {
		deps.Consumer = consumer
	}
	if rdb != nil {
		deps.Cache = redisPinger{rdb: rdb}
	}
	api := httpapi.NewAPI(deps, logger.Named("http"))
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, api, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all pipelines and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the pipelines and background loops.
	cancel()

	// Wait for the ingest path to finish its final flush and commit, and for
	// the background loops to wind down.
	done := make(chan struct{})
	go func() {
		commitWg.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bgp-orchestrator stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

// runDetect scans every live peering against the current catalog and prints
// the findings. Exit codes: 0 clean, 1 conflicts found, 2 setup failure.
func runDetect() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		logger.Sync()
		os.Exit(2)
	}
	defer pool.Close()

	var originValidator conflict.OriginValidator
	if cfg.Clients.PrefixOriginEnabled {
		rdb, err := newRedisClient(cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to create redis client", zap.Error(err))
			logger.Sync()
			os.Exit(2)
		}
		defer rdb.Close()
		verdictTTL := time.Duration(cfg.Clients.CacheTTLSeconds) * time.Second
		originValidator = extsvc.NewPrefixOrigin(rdb, verdictTTL, logger.Named("prefix_origin"))
	}

	evaluator := conflict.NewEvaluator(cfg.RuleTimeout(), logger.Named("conflict"))
	for _, r := range conflict.DefaultRules(originValidator) {
		evaluator.Register(r)
	}
	store := catalog.NewStore(pool, evaluator, audit.NewRecorder(cfg.Audit.HMACSecret), logger.Named("catalog"))

	findings, err := store.ScanConflicts(ctx)
	if err != nil {
		logger.Error("conflict scan failed", zap.Error(err))
		logger.Sync()
		os.Exit(2)
	}

	if len(findings) == 0 {
		logger.Info("no conflicts detected")
		return
	}

	out, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		logger.Error("encoding findings failed", zap.Error(err))
		logger.Sync()
		os.Exit(2)
	}
	fmt.Println(string(out))

	logger.Warn("conflicts detected", zap.Int("peerings", len(findings)))
	logger.Sync()
	os.Exit(1)
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running maintenance sweep",
		zap.Int("update_retention_days", cfg.Retention.UpdateDays),
		zap.Int("tombstone_retention_days", cfg.Retention.TombstoneDays),
		zap.Int("anomaly_retention_days", cfg.Retention.AnomalyDays),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	evaluator := conflict.NewEvaluator(cfg.RuleTimeout(), logger.Named("conflict"))
	store := catalog.NewStore(pool, evaluator, audit.NewRecorder(cfg.Audit.HMACSecret), logger.Named("catalog"))
	anomalyStore := anomaly.NewStore(pool, logger.Named("anomaly.store"))
	featureStore := features.NewOfflineStore(pool, logger.Named("features.offline"))

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.UpdateDays, cfg.Retention.Timezone, logger)
	janitor := maintenance.NewJanitor(pm, store, anomalyStore, featureStore,
		cfg.Retention, clockwork.NewRealClock(), logger.Named("janitor"))

	if err := janitor.Sweep(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("maintenance sweep complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
