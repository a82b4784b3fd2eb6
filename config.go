package tandem

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/delivery"
	"pkt.systems/tandem/internal/httpapi"
	"pkt.systems/tandem/internal/ingress"
	"pkt.systems/tandem/internal/leader"
	"pkt.systems/tandem/internal/updatequeue"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultDeploymentID scopes the leader lock when none is configured.
	DefaultDeploymentID = "tandem"
	// DefaultQueueCapacity bounds the inbound update buffer.
	DefaultQueueCapacity = updatequeue.DefaultCapacity
	// DefaultQueueWorkers sizes the dispatch worker pool.
	DefaultQueueWorkers = updatequeue.DefaultWorkers
	// DefaultQueueDispatchTimeout bounds a single dispatch.
	DefaultQueueDispatchTimeout = updatequeue.DefaultDispatchTimeout
	// DefaultQueuePassiveHold is how long passive workers keep an item
	// waiting for activation before discarding it.
	DefaultQueuePassiveHold = updatequeue.DefaultPassiveHold
	// DefaultLockPollInterval drives the leader loop.
	DefaultLockPollInterval = leader.DefaultPollInterval
	// DefaultLockGraceWindow bounds how long the role may lag the lock.
	DefaultLockGraceWindow = leader.DefaultGraceWindow
	// DefaultLockAcquireTimeout bounds the startup lock acquire.
	DefaultLockAcquireTimeout = leader.DefaultAcquireTimeout
	// DefaultLockLeaseTTL expires lease-row locks whose holder stopped
	// heartbeating.
	DefaultLockLeaseTTL = 15 * time.Second
	// DefaultDeliveryLockTTL is the per-task delivery window.
	DefaultDeliveryLockTTL = delivery.DefaultLockTTL
	// DefaultRateLimit is the per-source request budget per window.
	DefaultRateLimit = ingress.DefaultRateLimit
	// DefaultRateWindow is the fixed rate limit window.
	DefaultRateWindow = ingress.DefaultRateWindow
	// DefaultRateMaxSources caps tracked rate limit sources.
	DefaultRateMaxSources = ingress.DefaultMaxSources
	// DefaultDedupeCapacity caps remembered update ids.
	DefaultDedupeCapacity = ingress.DefaultDedupeCapacity
	// DefaultWebhookMaxBody is the webhook payload limit.
	DefaultWebhookMaxBody = ingress.DefaultMaxBody
	// DefaultCallbackPath is the provider callback route.
	DefaultCallbackPath = "callbacks/generation"
	// DefaultCallbackTimeout bounds asynchronous callback processing.
	DefaultCallbackTimeout = 2 * time.Minute
	// DefaultCallbackActiveWait is how long a passive instance holds a
	// callback waiting for activation before dropping it.
	DefaultCallbackActiveWait = httpapi.DefaultCallbackActiveWait
	// DefaultBotAPIURL is the outbound bot API base.
	DefaultBotAPIURL = botapi.DefaultBaseURL
	// DefaultMaxDownload caps result downloads before re-upload.
	DefaultMaxDownload = botapi.DefaultMaxDownload
	// DefaultSweeperInterval controls how often delivered locks are purged.
	DefaultSweeperInterval = 10 * time.Minute
	// DefaultDeliveredRetention keeps delivered lock records around so late
	// callbacks still find them.
	DefaultDeliveredRetention = 7 * 24 * time.Hour
	// DefaultStorageRetryMaxAttempts caps retries for transient storage errors.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the initial backoff delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff delay.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff delay per attempt.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout bounds graceful teardown.
	DefaultShutdownTimeout = 15 * time.Second
)

// Config captures the tunables for a tandem server.
type Config struct {
	Listen       string
	Store        string
	DeploymentID string
	// InstanceID names this process in lock diagnostics. Generated when empty.
	InstanceID string

	QueueCapacity        int
	QueueWorkers         int
	QueueDispatchTimeout time.Duration
	QueuePassiveHold     time.Duration

	// LockStrict makes a lock backend failure at startup fatal instead of
	// leaving the instance passive.
	LockStrict bool
	// ForceActive assumes a single known instance when the lock backend is
	// unreachable. It risks double processing and is logged loudly.
	ForceActive        bool
	LockPollInterval   time.Duration
	LockGraceWindow    time.Duration
	LockAcquireTimeout time.Duration
	LockLeaseTTL       time.Duration

	DeliveryLockTTL time.Duration

	RateLimit      int
	RateWindow     time.Duration
	RateMaxSources int
	DedupeCapacity int

	WebhookMaxBody      int64
	WebhookSecret       string
	WebhookHeaderSecret string
	// TrustForwarded keys the rate limiter on X-Forwarded-For.
	TrustForwarded bool

	CallbackPath       string
	CallbackSecret     string
	CallbackTimeout    time.Duration
	// CallbackActiveWait bounds how long a passive instance holds a callback
	// for activation. Negative drops passive callbacks at once.
	CallbackActiveWait time.Duration

	// PublicURL is the externally reachable base URL. Webhook registration
	// is skipped when empty.
	PublicURL   string
	BotToken    string
	BotAPIURL   string
	MaxDownload int64

	SweeperInterval    time.Duration
	DeliveredRetention time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	c.DeploymentID = strings.TrimSpace(c.DeploymentID)
	if c.DeploymentID == "" {
		c.DeploymentID = DefaultDeploymentID
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueueWorkers <= 0 {
		c.QueueWorkers = DefaultQueueWorkers
	}
	if c.QueueDispatchTimeout <= 0 {
		c.QueueDispatchTimeout = DefaultQueueDispatchTimeout
	}
	switch {
	case c.QueuePassiveHold == 0:
		c.QueuePassiveHold = DefaultQueuePassiveHold
	case c.QueuePassiveHold < 0:
		// Negative disables the hold; passive workers discard at once.
		c.QueuePassiveHold = 0
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = DefaultLockPollInterval
	}
	if c.LockGraceWindow <= 0 {
		c.LockGraceWindow = DefaultLockGraceWindow
	}
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = DefaultLockAcquireTimeout
	}
	if c.LockLeaseTTL <= 0 {
		c.LockLeaseTTL = DefaultLockLeaseTTL
	}
	if c.LockLeaseTTL <= c.LockPollInterval {
		return fmt.Errorf("config: lock lease ttl (%s) must exceed the poll interval (%s)", c.LockLeaseTTL, c.LockPollInterval)
	}
	if c.ForceActive && c.LockStrict {
		return fmt.Errorf("config: force-active and lock-strict are mutually exclusive")
	}
	if c.DeliveryLockTTL <= 0 {
		c.DeliveryLockTTL = DefaultDeliveryLockTTL
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RateMaxSources <= 0 {
		c.RateMaxSources = DefaultRateMaxSources
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = DefaultDedupeCapacity
	}
	if c.WebhookMaxBody <= 0 {
		c.WebhookMaxBody = DefaultWebhookMaxBody
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("config: webhook secret is required")
	}
	if strings.ContainsAny(c.WebhookSecret, "/?#") {
		return fmt.Errorf("config: webhook secret must be a single path segment")
	}
	c.CallbackPath = strings.Trim(c.CallbackPath, "/ ")
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.CallbackPath == "webhook" || strings.HasPrefix(c.CallbackPath, "webhook/") {
		return fmt.Errorf("config: callback path %q collides with the webhook route", c.CallbackPath)
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.CallbackActiveWait == 0 {
		c.CallbackActiveWait = DefaultCallbackActiveWait
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("config: public url must be an absolute http(s) URL")
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
		if c.BotToken == "" {
			return fmt.Errorf("config: bot token is required when public url is set")
		}
	}
	if c.BotAPIURL == "" {
		c.BotAPIURL = DefaultBotAPIURL
	}
	if c.MaxDownload <= 0 {
		c.MaxDownload = DefaultMaxDownload
	}
	if c.SweeperInterval < 0 {
		return fmt.Errorf("config: sweeper interval must be >= 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.DeliveredRetention <= 0 {
		c.DeliveredRetention = DefaultDeliveredRetention
	}
	if c.DeliveredRetention < c.DeliveryLockTTL {
		return fmt.Errorf("config: delivered retention must be >= delivery lock ttl")
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// WebhookURL is the URL registered with the bot API, or "" when no public
// URL is configured.
func (c Config) WebhookURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return c.PublicURL + "/webhook/" + c.WebhookSecret
}

// DefaultConfigDir returns $HOME/.tandem.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".tandem"), nil
}
