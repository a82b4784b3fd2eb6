package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tandem"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tandem configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tandem/" + defaultConfigFileName
	if dir, err := tandem.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tandem configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := tandem.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// the file feeds straight into viper.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	Store                   string  `yaml:"store"`
	DeploymentID            string  `yaml:"deployment-id"`
	InstanceID              string  `yaml:"instance-id"`
	QueueCapacity           int     `yaml:"queue-capacity"`
	QueueWorkers            int     `yaml:"queue-workers"`
	QueueDispatchTimeout    string  `yaml:"queue-dispatch-timeout"`
	QueuePassiveHold        string  `yaml:"queue-passive-hold"`
	LockStrict              bool    `yaml:"lock-strict"`
	ForceActive             bool    `yaml:"force-active"`
	LockPollInterval        string  `yaml:"lock-poll-interval"`
	LockGraceWindow         string  `yaml:"lock-grace-window"`
	LockAcquireTimeout      string  `yaml:"lock-acquire-timeout"`
	LockLeaseTTL            string  `yaml:"lock-lease-ttl"`
	DeliveryLockTTL         string  `yaml:"delivery-lock-ttl"`
	RateLimit               int     `yaml:"rate-limit"`
	RateWindow              string  `yaml:"rate-window"`
	RateMaxSources          int     `yaml:"rate-max-sources"`
	DedupeCapacity          int     `yaml:"dedupe-capacity"`
	WebhookMaxBody          string  `yaml:"webhook-max-body"`
	WebhookSecret           string  `yaml:"webhook-secret"`
	WebhookHeaderSecret     string  `yaml:"webhook-header-secret"`
	TrustForwarded          bool    `yaml:"trust-forwarded"`
	CallbackPath            string  `yaml:"callback-path"`
	CallbackSecret          string  `yaml:"callback-secret"`
	CallbackTimeout         string  `yaml:"callback-timeout"`
	CallbackActiveWait      string  `yaml:"callback-active-wait"`
	PublicURL               string  `yaml:"public-url"`
	BotToken                string  `yaml:"bot-token"`
	BotAPIURL               string  `yaml:"bot-api-url"`
	MaxDownload             string  `yaml:"max-download"`
	SweeperInterval         string  `yaml:"sweeper-interval"`
	DeliveredRetention      string  `yaml:"delivered-retention"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  tandem.DefaultListen,
		Store:                   tandem.DefaultStore,
		DeploymentID:            tandem.DefaultDeploymentID,
		QueueCapacity:           tandem.DefaultQueueCapacity,
		QueueWorkers:            tandem.DefaultQueueWorkers,
		QueueDispatchTimeout:    tandem.DefaultQueueDispatchTimeout.String(),
		QueuePassiveHold:        tandem.DefaultQueuePassiveHold.String(),
		LockPollInterval:        tandem.DefaultLockPollInterval.String(),
		LockGraceWindow:         tandem.DefaultLockGraceWindow.String(),
		LockAcquireTimeout:      tandem.DefaultLockAcquireTimeout.String(),
		LockLeaseTTL:            tandem.DefaultLockLeaseTTL.String(),
		DeliveryLockTTL:         tandem.DefaultDeliveryLockTTL.String(),
		RateLimit:               tandem.DefaultRateLimit,
		RateWindow:              tandem.DefaultRateWindow.String(),
		RateMaxSources:          tandem.DefaultRateMaxSources,
		DedupeCapacity:          tandem.DefaultDedupeCapacity,
		WebhookMaxBody:          humanizeBytes(tandem.DefaultWebhookMaxBody),
		CallbackPath:            tandem.DefaultCallbackPath,
		CallbackTimeout:         tandem.DefaultCallbackTimeout.String(),
		CallbackActiveWait:      tandem.DefaultCallbackActiveWait.String(),
		BotAPIURL:               tandem.DefaultBotAPIURL,
		MaxDownload:             humanizeBytes(tandem.DefaultMaxDownload),
		SweeperInterval:         tandem.DefaultSweeperInterval.String(),
		DeliveredRetention:      tandem.DefaultDeliveredRetention.String(),
		StorageRetryMaxAttempts: tandem.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   tandem.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    tandem.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  tandem.DefaultStorageRetryMultiplier,
		ShutdownTimeout:         tandem.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
