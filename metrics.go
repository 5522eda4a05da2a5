package sqsext

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type clientMetrics struct {
	offloaded       metric.Int64Counter
	offloadedBytes  metric.Int64Counter
	rehydrated      metric.Int64Counter
	rehydratedBytes metric.Int64Counter
	cleanupDeleted  metric.Int64Counter
	cleanupWarnings metric.Int64Counter
	storeDuration   metric.Int64Histogram
}

func newClientMetrics(logger pslog.Logger) *clientMetrics {
	meter := otel.Meter("pkt.systems/sqsext")
	m := &clientMetrics{}
	var err error

	m.offloaded, err = meter.Int64Counter(
		"sqsext.payload.offloaded",
		metric.WithDescription("Messages whose body was moved to the object store"),
	)
	logMetricInitError(logger, "sqsext.payload.offloaded", err)

	m.offloadedBytes, err = meter.Int64Counter(
		"sqsext.payload.offloaded.bytes",
		metric.WithDescription("Bytes uploaded to the object store"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "sqsext.payload.offloaded.bytes", err)

	m.rehydrated, err = meter.Int64Counter(
		"sqsext.payload.rehydrated",
		metric.WithDescription("Pointer messages whose body was restored from the object store"),
	)
	logMetricInitError(logger, "sqsext.payload.rehydrated", err)

	m.rehydratedBytes, err = meter.Int64Counter(
		"sqsext.payload.rehydrated.bytes",
		metric.WithDescription("Bytes downloaded from the object store"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "sqsext.payload.rehydrated.bytes", err)

	m.cleanupDeleted, err = meter.Int64Counter(
		"sqsext.cleanup.deleted",
		metric.WithDescription("Payloads removed after their queue entry was deleted"),
	)
	logMetricInitError(logger, "sqsext.cleanup.deleted", err)

	m.cleanupWarnings, err = meter.Int64Counter(
		"sqsext.cleanup.warnings",
		metric.WithDescription("Payloads that could not be removed after queue delete"),
	)
	logMetricInitError(logger, "sqsext.cleanup.warnings", err)

	m.storeDuration, err = meter.Int64Histogram(
		"sqsext.store.duration_ms",
		metric.WithDescription("Object store call latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "sqsext.store.duration_ms", err)

	return m
}

func (m *clientMetrics) recordOffload(ctx context.Context, queue string, size int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sqsext.queue", queue))
	if m.offloaded != nil {
		m.offloaded.Add(ctx, 1, attrs)
	}
	if m.offloadedBytes != nil {
		m.offloadedBytes.Add(ctx, size, attrs)
	}
}

func (m *clientMetrics) recordRehydrate(ctx context.Context, queue string, size int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sqsext.queue", queue))
	if m.rehydrated != nil {
		m.rehydrated.Add(ctx, 1, attrs)
	}
	if m.rehydratedBytes != nil {
		m.rehydratedBytes.Add(ctx, size, attrs)
	}
}

func (m *clientMetrics) recordCleanup(ctx context.Context, queue string, warned bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sqsext.queue", queue))
	if warned {
		if m.cleanupWarnings != nil {
			m.cleanupWarnings.Add(ctx, 1, attrs)
		}
		return
	}
	if m.cleanupDeleted != nil {
		m.cleanupDeleted.Add(ctx, 1, attrs)
	}
}

func (m *clientMetrics) recordStoreCall(ctx context.Context, op string, elapsed time.Duration, err error) {
	if m == nil || m.storeDuration == nil {
		return
	}
	m.storeDuration.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(
		attribute.String("sqsext.store.operation", op),
		attribute.String("sqsext.store.result", metricResultLabel(err)),
	))
}

func metricResultLabel(err error) string {
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
