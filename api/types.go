// Package api holds the JSON bodies served by tandem's HTTP endpoints.
package api

import "time"

// ErrorResponse is written for every non-2xx reply.
type ErrorResponse struct {
	// ErrorCode is the stable tandem error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}

// AckResponse acknowledges webhook and callback deliveries.
type AckResponse struct {
	OK bool `json:"ok"`
}

// HealthResponse is returned by GET /health while the process serves HTTP.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is returned by GET /ready. Ready is true only when the
// instance is active, its schema is ready and the webhook is configured.
type ReadyResponse struct {
	Ready             bool   `json:"ready"`
	Active            bool   `json:"active"`
	SchemaReady       bool   `json:"schema_ready"`
	WebhookConfigured bool   `json:"webhook_configured"`
	Reason            string `json:"reason,omitempty"`
}

// WebhookStatus describes this instance's ownership of the inbound webhook.
type WebhookStatus struct {
	// Configured is true once registration succeeded (or was skipped because
	// no public URL is configured) during the current activation.
	Configured bool `json:"configured"`
	// URL is the registered endpoint with its secret path segment redacted.
	URL          string    `json:"url,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// ProcessStatus reports resource usage of the serving process.
type ProcessStatus struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	RSS        string  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	Error      string  `json:"error,omitempty"`
}

// RoleStatus is the active/passive role of the instance.
type RoleStatus struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	Since       time.Time `json:"since"`
	Transitions uint64    `json:"transitions"`
}

// StatusResponse is returned by GET /.
type StatusResponse struct {
	Instance    string        `json:"instance"`
	Version     string        `json:"version"`
	StartedAt   time.Time     `json:"started_at"`
	Uptime      string        `json:"uptime"`
	Role        RoleStatus    `json:"role"`
	SchemaReady bool          `json:"schema_ready"`
	Webhook     WebhookStatus `json:"webhook"`
	// Queue carries the update queue counters.
	Queue any `json:"queue,omitempty"`
	// Leader carries lock controller diagnostics, including lock holder and
	// heartbeat age.
	Leader  any           `json:"leader,omitempty"`
	Process ProcessStatus `json:"process"`
}
