package updatequeue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type queueMetrics struct {
	received  metric.Int64Counter
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	discarded metric.Int64Counter
	duration  metric.Int64Histogram
	depth     metric.Int64ObservableGauge
	active    metric.Int64ObservableGauge
}

func newQueueMetrics(logger pslog.Logger, m *Manager) *queueMetrics {
	meter := otel.Meter("pkt.systems/tandem/queue")
	qm := &queueMetrics{}
	var err error

	qm.received, err = meter.Int64Counter(
		"tandem.queue.received",
		metric.WithDescription("Updates offered to the queue"),
	)
	logMetricInitError(logger, "tandem.queue.received", err)

	qm.processed, err = meter.Int64Counter(
		"tandem.queue.processed",
		metric.WithDescription("Updates dispatched to the business handler"),
	)
	logMetricInitError(logger, "tandem.queue.processed", err)

	qm.dropped, err = meter.Int64Counter(
		"tandem.queue.dropped",
		metric.WithDescription("Updates rejected at enqueue"),
	)
	logMetricInitError(logger, "tandem.queue.dropped", err)

	qm.discarded, err = meter.Int64Counter(
		"tandem.queue.discarded",
		metric.WithDescription("Updates drained without dispatch while passive"),
	)
	logMetricInitError(logger, "tandem.queue.discarded", err)

	qm.duration, err = meter.Int64Histogram(
		"tandem.queue.dispatch.duration_ms",
		metric.WithDescription("Business dispatch latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tandem.queue.dispatch.duration_ms", err)

	qm.depth, err = meter.Int64ObservableGauge(
		"tandem.queue.depth",
		metric.WithDescription("Updates waiting in the buffer"),
	)
	logMetricInitError(logger, "tandem.queue.depth", err)

	qm.active, err = meter.Int64ObservableGauge(
		"tandem.queue.active_workers",
		metric.WithDescription("Workers currently inside a dispatch"),
	)
	logMetricInitError(logger, "tandem.queue.active_workers", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if qm.depth != nil {
			o.ObserveInt64(qm.depth, int64(len(m.items)))
		}
		if qm.active != nil {
			o.ObserveInt64(qm.active, m.activeWorkers.Load())
		}
		return nil
	}, qm.depth, qm.active); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "tandem.queue", "error", err)
	}
	return qm
}

func (qm *queueMetrics) recordReceived() {
	if qm == nil || qm.received == nil {
		return
	}
	qm.received.Add(context.Background(), 1)
}

func (qm *queueMetrics) recordDropped(reason string) {
	if qm == nil || qm.dropped == nil {
		return
	}
	qm.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tandem.queue.drop_reason", reason)))
}

func (qm *queueMetrics) recordDiscarded() {
	if qm == nil || qm.discarded == nil {
		return
	}
	qm.discarded.Add(context.Background(), 1)
}

func (qm *queueMetrics) recordProcessed(elapsed time.Duration, err error) {
	if qm == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tandem.queue.result", resultLabel(err)))
	if qm.processed != nil {
		qm.processed.Add(context.Background(), 1, attrs)
	}
	if qm.duration != nil {
		qm.duration.Record(context.Background(), elapsed.Milliseconds(), attrs)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
