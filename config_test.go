package tandem

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{WebhookSecret: "s3cret"}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore || cfg.DeploymentID != DefaultDeploymentID {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.QueuePassiveHold != DefaultQueuePassiveHold {
		t.Fatalf("passive hold %s, want %s", cfg.QueuePassiveHold, DefaultQueuePassiveHold)
	}
	if cfg.CallbackPath != DefaultCallbackPath {
		t.Fatalf("callback path %q", cfg.CallbackPath)
	}
	if cfg.CallbackActiveWait != DefaultCallbackActiveWait {
		t.Fatalf("callback active wait %s", cfg.CallbackActiveWait)
	}
	if cfg.BotAPIURL != DefaultBotAPIURL {
		t.Fatalf("bot api url %q", cfg.BotAPIURL)
	}
	if cfg.WebhookURL() != "" {
		t.Fatalf("webhook url without public url: %q", cfg.WebhookURL())
	}
}

func TestConfigNegativePassiveHoldDisablesHold(t *testing.T) {
	cfg := validConfig()
	cfg.QueuePassiveHold = -time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.QueuePassiveHold != 0 {
		t.Fatalf("passive hold %s, want 0", cfg.QueuePassiveHold)
	}
}

func TestConfigWebhookURL(t *testing.T) {
	cfg := validConfig()
	cfg.PublicURL = "https://bot.example.com/"
	cfg.BotToken = "1:abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got, want := cfg.WebhookURL(), "https://bot.example.com/webhook/s3cret"; got != want {
		t.Fatalf("webhook url %q, want %q", got, want)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.WebhookSecret = " " }, "webhook secret is required"},
		{"secret with slash", func(c *Config) { c.WebhookSecret = "a/b" }, "single path segment"},
		{"lease below poll", func(c *Config) {
			c.LockPollInterval = time.Second
			c.LockLeaseTTL = time.Second
		}, "must exceed the poll interval"},
		{"force and strict", func(c *Config) {
			c.ForceActive = true
			c.LockStrict = true
		}, "mutually exclusive"},
		{"callback on webhook route", func(c *Config) { c.CallbackPath = "/webhook/cb" }, "collides"},
		{"relative public url", func(c *Config) {
			c.PublicURL = "bot.example.com"
			c.BotToken = "1:abc"
		}, "absolute http(s)"},
		{"public url without token", func(c *Config) { c.PublicURL = "https://bot.example.com" }, "bot token is required"},
		{"negative sweeper", func(c *Config) { c.SweeperInterval = -time.Second }, "sweeper interval"},
		{"short retention", func(c *Config) {
			c.DeliveryLockTTL = time.Hour
			c.DeliveredRetention = time.Minute
		}, "delivered retention"},
		{"profiling without metrics", func(c *Config) { c.EnableProfilingMetrics = true }, "profiling metrics"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
