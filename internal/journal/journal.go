// Package journal records order lifecycle transitions to durable storage.
// The journal is append-only and write-only at runtime: the connector never
// reads it back, so a journal outage degrades observability, not trading.
package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/internal/schema"
)

// Entry is one order state transition.
type Entry struct {
	LocalID        string
	VenueID        string
	Symbol         string
	Side           schema.TradeSide
	FromState      schema.OrderState
	ToState        schema.OrderState
	FilledQuantity decimal.Decimal
	Reason         string
	At             time.Time
}

// Journal persists order transitions.
type Journal interface {
	Record(ctx context.Context, entry Entry)
	Close(ctx context.Context) error
}

// Noop discards every entry. Used when no journal DSN is configured.
type Noop struct{}

// Record does nothing.
func (Noop) Record(context.Context, Entry) {}

// Close does nothing.
func (Noop) Close(context.Context) error { return nil }
