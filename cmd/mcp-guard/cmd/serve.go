package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-guard/mcp-guard/internal/adapter/inbound/http"
	"github.com/mcp-guard/mcp-guard/internal/adapter/outbound/bundlewatch"
	"github.com/mcp-guard/mcp-guard/internal/adapter/outbound/cache"
	"github.com/mcp-guard/mcp-guard/internal/adapter/outbound/classifycel"
	"github.com/mcp-guard/mcp-guard/internal/adapter/outbound/deadletter"
	"github.com/mcp-guard/mcp-guard/internal/adapter/outbound/decisionstore"
	"github.com/mcp-guard/mcp-guard/internal/adapter/outbound/opa"
	"github.com/mcp-guard/mcp-guard/internal/config"
	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/classifier"
	"github.com/mcp-guard/mcp-guard/internal/observability"
	"github.com/mcp-guard/mcp-guard/internal/service"
)

var (
	devMode    bool
	bundlePath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the mcp-guard authorization server: the Authorize RPC, the
policy-evaluate dry-run endpoint, the decision audit query endpoint, and
the health/metrics surface.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, stdout tracing/metrics export)")
	serveCmd.Flags().StringVar(&bundlePath, "bundle", "", "policy bundle directory (overrides config engine.bundle_path)")
	rootCmd.AddCommand(serveCmd)
}

// exit codes per §6/§10.3: 0 clean shutdown, 1 unexpected failure, 2
// refusal to start on invalid bundle/config.
const (
	exitOK             = 0
	exitFailure        = 1
	exitStartupRefused = 2
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupRefused)
	}
	if devMode {
		cfg.DevMode = true
	}
	if bundlePath != "" {
		cfg.Engine.BundlePath = bundlePath
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config validation failed:", err)
		os.Exit(exitStartupRefused)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mcp-guard exited with error", "error", err)
		os.Exit(exitFailure)
	}

	logger.Info("mcp-guard stopped")
	return nil
}

// run wires the C1-C6 components together and blocks until ctx is
// cancelled, draining the audit sink before returning.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	providers, err := observability.Init(observability.Config{
		Enabled:     cfg.Observability.Enabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	decisionCache := cache.New(cache.Config{
		Capacity:   cfg.Cache.Capacity,
		ShardCount: cfg.Cache.ShardCount,
	})
	go runSweepLoop(ctx, decisionCache, cfg.Cache.SweepInterval)

	engine := opa.New()
	if err := engine.Load(ctx, cfg.Engine.BundlePath); err != nil {
		fmt.Fprintln(os.Stderr, "failed to load policy bundle:", err)
		os.Exit(exitStartupRefused)
	}
	logger.Info("policy bundle loaded", "path", cfg.Engine.BundlePath, "version", engine.Version())

	classifierCfg := toClassifierConfig(cfg.Classifier)
	sensitivityClassifier, err := classifycel.New(classifierCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to compile classifier rules:", err)
		os.Exit(exitStartupRefused)
	}

	store, err := decisionstore.NewFileStore(decisionstore.Config{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		CacheSize:     cfg.Audit.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open decision store: %w", err)
	}
	defer func() { _ = store.Close() }()

	sinkOpts := []service.SinkOption{
		service.WithSinkChannelSize(cfg.Audit.ChannelSize),
		service.WithSinkBatchSize(cfg.Audit.BatchSize),
		service.WithSinkFlushInterval(cfg.Audit.FlushInterval),
		service.WithSinkSendTimeout(cfg.Audit.SendTimeout),
	}
	if cfg.Audit.DeadLetterPath != "" {
		dl, err := deadletter.NewSQLiteWriter(cfg.Audit.DeadLetterPath)
		if err != nil {
			return fmt.Errorf("failed to open dead-letter store: %w", err)
		}
		defer func() { _ = dl.Close() }()
		sinkOpts = append(sinkOpts, service.WithSinkDeadLetter(dl))
	}

	sink := service.NewDecisionSinkService(store, logger, sinkOpts...)
	sink.Start(ctx)
	defer sink.Stop()

	coordinatorCfg := service.CoordinatorConfig{
		EngineTimeout:     cfg.Engine.EvalTimeout,
		TTLs:              toTTLTable(cfg.TTL),
		DegradedThreshold: cfg.Engine.DegradedThreshold,
		Tracer:            providers.Tracer,
	}
	coordinator := service.NewCoordinator(decisionCache, engine, sensitivityClassifier, sink, logger, coordinatorCfg)
	invalidation := service.NewInvalidationController(decisionCache, logger)

	reloader := reloaderWithInvalidation{engine: engine, invalidation: invalidation}
	if cfg.Engine.ReloadOnSignal {
		go watchReloadSignal(ctx, reloader, cfg.Engine.BundlePath, logger)
	}
	if cfg.Engine.WatchInterval > 0 {
		watcher := bundlewatch.New(cfg.Engine.BundlePath, reloader, cfg.Engine.WatchInterval, logger)
		go watcher.Run(ctx)
	}

	healthChecker := http.NewHealthChecker(decisionCache, sink, engine, Version)

	transport := http.NewTransport(coordinator, store,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithReloader(engine, invalidation),
	)

	return transport.Start(ctx)
}

// reloaderWithInvalidation adapts an engine.Engine plus an invalidation
// controller into a single bundlewatch.Reloader, so a directory-watch
// reload also invalidates cache entries tied to the superseded policy
// version the same way the admin reload endpoint does.
type reloaderWithInvalidation struct {
	engine interface {
		Load(ctx context.Context, bundlePath string) error
		Version() string
	}
	invalidation interface{ OnPolicyUpdated(policyVersion string) }
}

func (r reloaderWithInvalidation) Load(ctx context.Context, bundlePath string) error {
	previous := r.engine.Version()
	if err := r.engine.Load(ctx, bundlePath); err != nil {
		return err
	}
	r.invalidation.OnPolicyUpdated(previous)
	return nil
}

func (r reloaderWithInvalidation) Version() string { return r.engine.Version() }

// watchReloadSignal reloads the policy bundle whenever the platform's
// reload signal (SIGHUP on Unix, unavailable on Windows) is received.
func watchReloadSignal(ctx context.Context, reloader reloaderWithInvalidation, bundlePath string, logger *slog.Logger) {
	sig := reloadSignal()
	if sig == nil {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			logger.Info("reload signal received, reloading policy bundle", "path", bundlePath)
			if err := reloader.Load(ctx, bundlePath); err != nil {
				logger.Error("signal-triggered bundle reload failed", "error", err)
				continue
			}
			logger.Info("policy bundle reloaded from signal", "version", reloader.Version())
		}
	}
}

// runSweepLoop proactively evicts expired cache entries on a ticker, in
// addition to the lazy expiry Get already performs on a hit (§4.1).
func runSweepLoop(ctx context.Context, c *cache.Cache, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

func toTTLTable(cfg config.TTLConfig) service.TTLTable {
	table := service.DefaultTTLTable()
	if cfg.Unset > 0 {
		table[authz.SensitivityUnset] = cfg.Unset
	}
	if cfg.Low > 0 {
		table[authz.SensitivityLow] = cfg.Low
	}
	if cfg.Medium > 0 {
		table[authz.SensitivityMedium] = cfg.Medium
	}
	if cfg.High > 0 {
		table[authz.SensitivityHigh] = cfg.High
	}
	if cfg.Critical > 0 {
		table[authz.SensitivityCritical] = cfg.Critical
	}
	return table
}

func toClassifierConfig(cfg config.ClassifierConfig) classifier.Config {
	keywordTags := make(map[string]authz.Sensitivity, len(cfg.KeywordTags))
	for tag, sensitivity := range cfg.KeywordTags {
		keywordTags[tag] = authz.Sensitivity(sensitivity)
	}
	rules := make([]classifier.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, classifier.Rule{
			Name:      r.Name,
			Condition: r.Condition,
			To:        authz.Sensitivity(r.To),
		})
	}
	return classifier.Config{KeywordTags: keywordTags, Rules: rules}
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
