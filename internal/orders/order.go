// Package orders tracks the lifecycle of every order the connector has
// submitted and reconciles it against venue acknowledgments, authoritative
// status events, fills, and periodic open-order lists.
package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/internal/schema"
)

// Order is the tracked state of a single order. LocalID is assigned at
// submission time and echoed back by the venue as the customer order id;
// VenueID arrives with the first acknowledgment.
type Order struct {
	LocalID  string
	VenueID  string
	Symbol   string
	Side     schema.TradeSide
	Price    decimal.Decimal
	Quantity decimal.Decimal

	State          schema.OrderState
	FilledQuantity decimal.Decimal
	PendingCancel  bool

	// AwaitingReconciliation is set after a session loss. While set, the
	// order's absence from a full open-order list proves nothing until a
	// list produced after the reconnect has been seen.
	AwaitingReconciliation bool

	Reason string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	TerminalAt time.Time

	// lastVenueEvidence is the last time any venue event referenced this
	// order. The reconciliation guard refuses inferred cancels while
	// evidence is recent.
	lastVenueEvidence time.Time
}

// Terminal reports whether the order reached a final state.
func (o *Order) Terminal() bool { return o.State.Terminal() }

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (o *Order) touch(at time.Time) {
	if at.After(o.UpdatedAt) {
		o.UpdatedAt = at
	}
}

func (o *Order) witness(at time.Time) {
	if at.After(o.lastVenueEvidence) {
		o.lastVenueEvidence = at
	}
	o.touch(at)
}
