package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/tandem"
	"pkt.systems/tandem/internal/svcfields"
)

const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TANDEM_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tandem")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("cli.command.failed", "error", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads --config, or $HOME/.tandem/config.yaml when present.
// A missing default file is not an error.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := tandem.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, defaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	return newRootCommandWithViper(baseLogger, viper.New())
}

// newRootCommandWithViper binds every flag into v under its flag name with
// TANDEM_ environment overrides.
func newRootCommandWithViper(baseLogger pslog.Logger, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tandem",
		Short:         "tandem runs a bot webhook service as an active/passive pair behind a shared lock",
		SilenceErrors: true,
		Example: `
  # Single instance on SQLite, webhook registered at startup
  tandem --store sqlite:///var/lib/tandem/tandem.db \
    --public-url https://bot.example.com --bot-token "$BOT_TOKEN" --webhook-secret s3cret

  # Two instances sharing PostgreSQL; only the lock holder processes updates
  TANDEM_STORE=postgres://tandem@db/tandem TANDEM_WEBHOOK_SECRET=s3cret tandem --listen :8081

  # In-memory storage (tests/dev only)
  tandem --store mem:// --webhook-secret dev
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), v, baseLogger)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.tandem/"+defaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.String("bot-token", "", "bot API token")
	persistent.String("bot-api-url", tandem.DefaultBotAPIURL, "bot API base URL")

	flags := cmd.Flags()
	flags.String("listen", tandem.DefaultListen, "listen address")
	flags.String("store", tandem.DefaultStore, "storage URL (mem://, sqlite:///path.db, postgres://...)")
	flags.String("deployment-id", tandem.DefaultDeploymentID, "deployment name scoping the leader lock")
	flags.String("instance-id", "", "instance name in lock diagnostics (default hostname plus random suffix)")
	flags.Int("queue-capacity", tandem.DefaultQueueCapacity, "inbound update buffer size")
	flags.Int("queue-workers", tandem.DefaultQueueWorkers, "dispatch worker count")
	flags.Duration("queue-dispatch-timeout", tandem.DefaultQueueDispatchTimeout, "timeout for a single update dispatch")
	flags.Duration("queue-passive-hold", tandem.DefaultQueuePassiveHold, "how long passive workers hold an update awaiting activation (negative discards at once)")
	flags.Bool("lock-strict", false, "exit when the lock backend is unreachable at startup")
	flags.Bool("force-active", false, "process updates when the lock backend is unreachable (single instance only)")
	flags.Duration("lock-poll-interval", tandem.DefaultLockPollInterval, "leader lock poll interval")
	flags.Duration("lock-grace-window", tandem.DefaultLockGraceWindow, "maximum lag between holding the lock and processing")
	flags.Duration("lock-acquire-timeout", tandem.DefaultLockAcquireTimeout, "startup lock acquire timeout")
	flags.Duration("lock-lease-ttl", tandem.DefaultLockLeaseTTL, "lease TTL for lease-row locks")
	flags.Duration("delivery-lock-ttl", tandem.DefaultDeliveryLockTTL, "per-task delivery lock window")
	flags.Int("rate-limit", tandem.DefaultRateLimit, "webhook requests per source per window (reloadable)")
	flags.Duration("rate-window", tandem.DefaultRateWindow, "rate limit window (reloadable)")
	flags.Int("rate-max-sources", tandem.DefaultRateMaxSources, "tracked rate limit sources (reloadable)")
	flags.Int("dedupe-capacity", tandem.DefaultDedupeCapacity, "remembered update ids")
	flags.String("webhook-max-body", humanizeBytes(tandem.DefaultWebhookMaxBody), "maximum webhook payload size")
	flags.String("webhook-secret", "", "secret webhook path segment")
	flags.String("webhook-header-secret", "", "secret token the bot API echoes in a header")
	flags.Bool("trust-forwarded", false, "rate limit on X-Forwarded-For")
	flags.String("callback-path", tandem.DefaultCallbackPath, "provider callback route")
	flags.String("callback-secret", "", "token required on provider callbacks")
	flags.Duration("callback-timeout", tandem.DefaultCallbackTimeout, "timeout for asynchronous callback processing")
	flags.Duration("callback-active-wait", tandem.DefaultCallbackActiveWait, "how long a passive instance holds a callback awaiting activation (negative drops at once)")
	flags.String("public-url", "", "externally reachable base URL (empty skips webhook registration)")
	flags.String("max-download", humanizeBytes(tandem.DefaultMaxDownload), "maximum result download size")
	flags.Duration("sweeper-interval", tandem.DefaultSweeperInterval, "delivered lock purge interval")
	flags.Duration("delivered-retention", tandem.DefaultDeliveredRetention, "how long delivered lock records are kept")
	flags.Int("storage-retry-attempts", tandem.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", tandem.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", tandem.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", tandem.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("metrics-listen", "", "Prometheus scrape listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint")
	flags.Duration("shutdown-timeout", tandem.DefaultShutdownTimeout, "overall shutdown timeout")

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bind := func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	}
	persistent.VisitAll(bind)
	flags.VisitAll(bind)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newWebhookCommand(v, baseLogger))
	return cmd
}

func runServer(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) error {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	cliLogger.Info("cli.start", "pid", os.Getpid())

	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Info("cli.config.loaded", "path", configFile)
	}
	var cfg tandem.Config
	if err := bindConfig(v, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := tandem.NewServer(cfg, tandem.WithLogger(logger))
	if err != nil {
		return err
	}
	if configFile != "" {
		watchRateLimits(v, srv, cliLogger)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("cli.shutdown.failed", "error", err)
		}
	}()
	return srv.Start()
}

// watchRateLimits re-applies the rate limit settings whenever the config
// file changes. Other settings need a restart.
func watchRateLimits(v *viper.Viper, srv *tandem.Server, logger pslog.Logger) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		limit, window, maxSources := v.GetInt("rate-limit"), v.GetDuration("rate-window"), v.GetInt("rate-max-sources")
		if limit <= 0 || window <= 0 || maxSources <= 0 {
			logger.Warn("cli.config.reload_rejected", "path", ev.Name, "rate_limit", limit, "rate_window", window, "rate_max_sources", maxSources)
			return
		}
		srv.SetRateLimits(limit, window, maxSources)
	})
	v.WatchConfig()
}

func bindConfig(v *viper.Viper, cfg *tandem.Config) error {
	cfg.Listen = v.GetString("listen")
	cfg.Store = v.GetString("store")
	cfg.DeploymentID = v.GetString("deployment-id")
	cfg.InstanceID = v.GetString("instance-id")
	cfg.QueueCapacity = v.GetInt("queue-capacity")
	cfg.QueueWorkers = v.GetInt("queue-workers")
	cfg.QueueDispatchTimeout = v.GetDuration("queue-dispatch-timeout")
	cfg.QueuePassiveHold = v.GetDuration("queue-passive-hold")
	cfg.LockStrict = v.GetBool("lock-strict")
	cfg.ForceActive = v.GetBool("force-active")
	cfg.LockPollInterval = v.GetDuration("lock-poll-interval")
	cfg.LockGraceWindow = v.GetDuration("lock-grace-window")
	cfg.LockAcquireTimeout = v.GetDuration("lock-acquire-timeout")
	cfg.LockLeaseTTL = v.GetDuration("lock-lease-ttl")
	cfg.DeliveryLockTTL = v.GetDuration("delivery-lock-ttl")
	cfg.RateLimit = v.GetInt("rate-limit")
	cfg.RateWindow = v.GetDuration("rate-window")
	cfg.RateMaxSources = v.GetInt("rate-max-sources")
	cfg.DedupeCapacity = v.GetInt("dedupe-capacity")
	if raw := v.GetString("webhook-max-body"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse webhook-max-body: %w", err)
		}
		cfg.WebhookMaxBody = int64(size)
	}
	cfg.WebhookSecret = v.GetString("webhook-secret")
	cfg.WebhookHeaderSecret = v.GetString("webhook-header-secret")
	cfg.TrustForwarded = v.GetBool("trust-forwarded")
	cfg.CallbackPath = v.GetString("callback-path")
	cfg.CallbackSecret = v.GetString("callback-secret")
	cfg.CallbackTimeout = v.GetDuration("callback-timeout")
	cfg.CallbackActiveWait = v.GetDuration("callback-active-wait")
	cfg.PublicURL = strings.TrimSpace(v.GetString("public-url"))
	cfg.BotToken = strings.TrimSpace(v.GetString("bot-token"))
	cfg.BotAPIURL = strings.TrimSpace(v.GetString("bot-api-url"))
	if raw := v.GetString("max-download"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-download: %w", err)
		}
		cfg.MaxDownload = int64(size)
	}
	cfg.SweeperInterval = v.GetDuration("sweeper-interval")
	cfg.DeliveredRetention = v.GetDuration("delivered-retention")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
