package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/northseadl/eventbus"

// 投递结果标签
const (
	outcomeSuccess  = "success"
	outcomeRetry    = "retry"
	outcomeTerminal = "terminal"
	outcomePolling  = "polling"
	outcomeRedelay  = "to_delay"
	outcomeDup      = "duplicate"
)

// metrics 事件总线计数器；未配置 MeterProvider 时 otel 全局实现为 no-op。
// nil 接收者安全。
type metrics struct {
	deliveries metric.Int64Counter
	retries    metric.Int64Counter
	terminal   metric.Int64Counter
	promotedC  metric.Int64Counter
	reclaimedC metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &metrics{}
	m.deliveries, _ = meter.Int64Counter("eventbus.deliveries", metric.WithDescription("listener invocations by outcome"))
	m.retries, _ = meter.Int64Counter("eventbus.retries", metric.WithDescription("retry envelopes scheduled"))
	m.terminal, _ = meter.Int64Counter("eventbus.terminal_failures", metric.WithDescription("envelopes that exhausted the retry budget"))
	m.promotedC, _ = meter.Int64Counter("eventbus.promoted", metric.WithDescription("delay entries moved into their topic"))
	m.reclaimedC, _ = meter.Int64Counter("eventbus.reclaimed", metric.WithDescription("stale pending entries republished"))
	return m
}

func (m *metrics) delivered(ctx context.Context, deliverID, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("deliver_id", deliverID),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) retried(ctx context.Context, deliverID string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("deliver_id", deliverID)))
}

func (m *metrics) terminated(ctx context.Context, deliverID string) {
	if m == nil || m.terminal == nil {
		return
	}
	m.terminal.Add(ctx, 1, metric.WithAttributes(attribute.String("deliver_id", deliverID)))
}

func (m *metrics) promoted(ctx context.Context, topic string, n int) {
	if m == nil || m.promotedC == nil || n <= 0 {
		return
	}
	m.promotedC.Add(ctx, int64(n), metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *metrics) reclaimed(ctx context.Context, topic string, n int) {
	if m == nil || m.reclaimedC == nil || n <= 0 {
		return
	}
	m.reclaimedC.Add(ctx, int64(n), metric.WithAttributes(attribute.String("topic", topic)))
}
