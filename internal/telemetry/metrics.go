package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/quantfold/marlin"

// Metrics bundles the connectivity core instruments. A nil *Metrics is safe to
// call; every method becomes a no-op.
type Metrics struct {
	reconnects       metric.Int64Counter
	framesDropped    metric.Int64Counter
	bookResyncs      metric.Int64Counter
	orderTransitions metric.Int64Counter
	sessionState     metric.Int64Gauge
}

// NewMetrics registers the marlin instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := new(Metrics)
	var err error
	if m.reconnects, err = meter.Int64Counter("marlin.session.reconnects",
		metric.WithDescription("Session reconnect attempts")); err != nil {
		return nil, fmt.Errorf("register reconnect counter: %w", err)
	}
	if m.framesDropped, err = meter.Int64Counter("marlin.router.frames_dropped",
		metric.WithDescription("Frames dropped by the message router")); err != nil {
		return nil, fmt.Errorf("register dropped frame counter: %w", err)
	}
	if m.bookResyncs, err = meter.Int64Counter("marlin.book.resyncs",
		metric.WithDescription("Order book resynchronisations")); err != nil {
		return nil, fmt.Errorf("register resync counter: %w", err)
	}
	if m.orderTransitions, err = meter.Int64Counter("marlin.orders.transitions",
		metric.WithDescription("Order lifecycle state transitions")); err != nil {
		return nil, fmt.Errorf("register transition counter: %w", err)
	}
	if m.sessionState, err = meter.Int64Gauge("marlin.session.state",
		metric.WithDescription("Current session connection state")); err != nil {
		return nil, fmt.Errorf("register session gauge: %w", err)
	}
	return m, nil
}

// RecordReconnect counts a reconnect attempt for the named session.
func (m *Metrics) RecordReconnect(ctx context.Context, session string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("session", session)))
}

// RecordDroppedFrame counts a router drop with its reason.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBookResync counts one resync cycle for the instrument.
func (m *Metrics) RecordBookResync(ctx context.Context, symbol, reason string) {
	if m == nil {
		return
	}
	m.bookResyncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("reason", reason),
	))
}

// RecordOrderTransition counts one lifecycle transition.
func (m *Metrics) RecordOrderTransition(ctx context.Context, symbol, from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordSessionState publishes the session state gauge.
func (m *Metrics) RecordSessionState(ctx context.Context, session string, state int64) {
	if m == nil {
		return
	}
	m.sessionState.Record(ctx, state, metric.WithAttributes(attribute.String("session", session)))
}
