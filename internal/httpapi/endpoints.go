package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/tandem/api"
	"pkt.systems/tandem/internal/delivery"
	"pkt.systems/tandem/internal/ingress"
)

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	snap := h.cfg.State.Snapshot()
	resp := api.ReadyResponse{Active: snap.Active}
	if h.cfg.Readiness != nil {
		resp.SchemaReady = h.cfg.Readiness.SchemaReady()
		resp.WebhookConfigured = h.cfg.Readiness.Webhook().Configured
	}
	resp.Ready = resp.Active && resp.SchemaReady && resp.WebhookConfigured
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
		switch {
		case !resp.Active:
			resp.Reason = "passive: " + snap.Reason
		case !resp.SchemaReady:
			resp.Reason = "schema not ready"
		default:
			resp.Reason = "webhook not configured"
		}
	}
	writeJSON(w, status, resp)
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultProbeTimeout)
	defer cancel()
	now := h.clock.Now()
	snap := h.cfg.State.Snapshot()
	resp := api.StatusResponse{
		Instance:  h.cfg.Instance,
		Version:   h.cfg.Version,
		StartedAt: h.cfg.StartedAt,
		Uptime:    now.Sub(h.cfg.StartedAt).Round(time.Second).String(),
		Role: api.RoleStatus{
			Active:      snap.Active,
			Reason:      snap.Reason,
			Since:       snap.UpdatedAt,
			Transitions: snap.Transitions,
		},
		Process: processStatus(ctx),
	}
	if h.cfg.Readiness != nil {
		resp.SchemaReady = h.cfg.Readiness.SchemaReady()
		resp.Webhook = h.cfg.Readiness.Webhook()
	}
	if h.cfg.Queue != nil {
		resp.Queue = h.cfg.Queue.Metrics()
	}
	if reporter := h.cfg.State.Reporter(); reporter != nil {
		resp.Leader = reporter.Diagnostics(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func processStatus(ctx context.Context) api.ProcessStatus {
	st := api.ProcessStatus{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	proc, err := process.NewProcessWithContext(ctx, st.PID)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
		st.RSS = humanize.IBytes(mem.RSS)
	} else if err != nil {
		st.Error = err.Error()
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = pct
	}
	return st
}

// handleWebhook authenticates and admits an update. Everything past
// authentication and the size guard is acknowledged with 200.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) error {
	if err := h.cfg.Ingress.Authorize(r.PathValue("secret"), r.Header.Get(headerWebhookSecret)); err != nil {
		switch {
		case errors.Is(err, ingress.ErrUnknownWebhook):
			return httpError{Status: http.StatusNotFound, Code: "not_found"}
		default:
			return httpError{Status: http.StatusUnauthorized, Code: "unauthorized"}
		}
	}
	outcome, err := h.cfg.Ingress.Admit(r.Context(), h.sourceOf(r), r.ContentLength, r.Body)
	if errors.Is(err, ingress.ErrPayloadTooLarge) {
		return httpError{
			Status: http.StatusRequestEntityTooLarge,
			Code:   "payload_too_large",
			Detail: "limit " + humanize.IBytes(uint64(h.cfg.Ingress.MaxBody())),
		}
	}
	if err != nil {
		return err
	}
	pslog.LoggerFromContext(r.Context()).Trace("webhook.admitted", "outcome", outcome)
	writeJSON(w, http.StatusOK, api.AckResponse{OK: true})
	return nil
}

// handleCallback acknowledges every callback and processes valid ones in
// the background so provider retries never pile up behind slow deliveries.
// Only the active instance processes; a passive one holds the callback for
// up to CallbackActiveWait and then drops it.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) error {
	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}
	defer writeJSON(w, http.StatusOK, api.AckResponse{OK: true})

	if h.cfg.CallbackSecret != "" && !constantTimeEqual(r.Header.Get(headerCallbackSecret), h.cfg.CallbackSecret) {
		logger.Warn("callback.unauthorized", "remote_addr", r.RemoteAddr)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.CallbackMaxBody+1))
	if err != nil {
		logger.Warn("callback.read_failed", "error", err)
		return nil
	}
	if int64(len(body)) > h.cfg.CallbackMaxBody {
		logger.Warn("callback.too_large", "limit", h.cfg.CallbackMaxBody)
		return nil
	}
	cb, err := delivery.ParseCallback(body)
	if err != nil {
		logger.Warn("callback.malformed", "error", err)
		return nil
	}
	logger = logger.With("task_id", cb.TaskID, "state", cb.State)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.CallbackTimeout)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("callback.panic", "panic", rec)
			}
		}()
		if !h.awaitActive(ctx) {
			logger.Warn("callback.passive.dropped", "wait", h.cfg.CallbackActiveWait)
			return
		}
		res, err := h.cfg.Callbacks.Process(ctx, cb)
		if err != nil {
			logger.Warn("callback.process.error", "error", err, "delivered", res.Delivered, "already_delivered", res.AlreadyDelivered)
			return
		}
		logger.Debug("callback.processed", "delivered", res.Delivered, "already_delivered", res.AlreadyDelivered, "method", res.Method)
	}()
	return nil
}

func (h *Handler) awaitActive(ctx context.Context) bool {
	if h.cfg.State.Active() {
		return true
	}
	if h.cfg.CallbackActiveWait <= 0 {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.CallbackActiveWait)
	defer cancel()
	return h.cfg.State.WaitActive(waitCtx) == nil
}
