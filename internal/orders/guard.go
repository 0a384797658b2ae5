package orders

import "time"

// Guard decides whether an order's absence from a full open-order list may
// be read as a cancellation. Absence is weak evidence: the order may still
// be in flight, a status event may be milliseconds away, or the list may
// predate a reconnect.
type Guard struct {
	// GracePeriod protects freshly submitted orders whose placement the
	// venue may not have processed yet.
	GracePeriod time.Duration
	// StatusQuietWindow suppresses inference while authoritative events
	// about the order are still arriving.
	StatusQuietWindow time.Duration
}

// ShouldInferCancel reports whether the absent order may be moved to
// Cancelled. postReconnectList says the list being reconciled was produced
// after the most recent account-session reconnect.
func (g Guard) ShouldInferCancel(o *Order, now time.Time, postReconnectList bool) bool {
	if o.Terminal() {
		return false
	}
	if o.AwaitingReconciliation && !postReconnectList {
		return false
	}
	if now.Sub(o.CreatedAt) <= g.GracePeriod {
		return false
	}
	if !o.lastVenueEvidence.IsZero() && now.Sub(o.lastVenueEvidence) <= g.StatusQuietWindow {
		return false
	}
	return true
}
