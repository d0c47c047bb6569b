package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const InstrumentationName = "github.com/azizikri/coupon-redeem"

// Metrics counts redemption outcomes. A nil *Metrics records nothing.
type Metrics struct {
	redeemStarted  metric.Int64Counter
	redeemFinished metric.Int64Counter
	transitions    metric.Int64Counter
	reclaimed      metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter("coupon.redeem.started",
		metric.WithDescription("Redemptions started"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("coupon.redeem.finished",
		metric.WithDescription("Redemption steps finished, by step and outcome"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("coupon.transitions",
		metric.WithDescription("Coupon state transitions applied"))
	if err != nil {
		return nil, err
	}
	reclaimed, err := meter.Int64Counter("coupon.reclaimed",
		metric.WithDescription("Expired reservations returned to unused"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		redeemStarted:  started,
		redeemFinished: finished,
		transitions:    transitions,
		reclaimed:      reclaimed,
	}, nil
}

func (m *Metrics) RedeemStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.redeemStarted.Add(ctx, 1)
}

func (m *Metrics) RedeemFinished(ctx context.Context, step, outcome string) {
	if m == nil {
		return
	}
	m.redeemFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) Reclaimed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimed.Add(ctx, int64(n))
}
