package connector

import (
	"context"
	"time"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/observability"
	"github.com/quantfold/marlin/internal/orders"
	"github.com/quantfold/marlin/internal/schema"
	"github.com/quantfold/marlin/internal/venues/valr"
)

// marketHandler adapts the connector to the market session's event stream.
type marketHandler struct{ c *Connector }

func (h marketHandler) OnBookSnapshot(ctx context.Context, snap schema.BookSnapshot) {
	inst, err := h.c.symbols.ResolveVenue(snap.Symbol)
	if err != nil {
		h.c.reportError(err)
		return
	}
	snap.Symbol = inst.Symbol
	if err := h.c.books.ApplySnapshot(snap); err != nil {
		h.c.reportError(err)
	}
}

func (h marketHandler) OnBookDiff(ctx context.Context, diff schema.BookDiff) {
	inst, err := h.c.symbols.ResolveVenue(diff.Symbol)
	if err != nil {
		h.c.reportError(err)
		return
	}
	diff.Symbol = inst.Symbol
	h.c.books.ApplyDiff(ctx, diff)
}

func (h marketHandler) OnTrade(_ context.Context, trade schema.PublicTrade) {
	if inst, err := h.c.symbols.ResolveVenue(trade.Symbol); err == nil {
		trade.Symbol = inst.Symbol
	}
	select {
	case h.c.trades <- trade:
	default:
	}
}

func (h marketHandler) OnMarketSummary(_ context.Context, summary valr.MarketSummary) {
	h.c.applySummary(summary)
}

// accountHandler adapts the connector to the account session's event stream.
type accountHandler struct{ c *Connector }

func (h accountHandler) OnOrderAck(_ context.Context, localID, venueID string, at time.Time) {
	if err := h.c.tracker.ApplyAck(localID, venueID, at); err != nil {
		h.logOrderEvent("ack", localID, err)
	}
}

func (h accountHandler) OnOrderFailed(_ context.Context, localID, _ string, reason string, at time.Time) {
	if err := h.c.tracker.ApplyFailure(localID, reason, at); err != nil {
		h.logOrderEvent("failure", localID, err)
	}
}

func (h accountHandler) OnOrderStatus(_ context.Context, status valr.OrderStatus) {
	err := h.c.tracker.ApplyStatus(orders.Ref{
		LocalID: status.LocalID,
		VenueID: status.VenueID,
	}, status.State, status.FilledQuantity, status.Reason, status.At)
	if err != nil {
		h.logOrderEvent("status", status.LocalID, err)
	}
}

func (h accountHandler) OnOpenOrders(_ context.Context, entries []valr.OpenOrder, at time.Time) {
	h.c.tracker.ApplyOpenOrders(h.c.convertOpenOrders(entries), at)
}

func (h accountHandler) OnAccountTrade(_ context.Context, trade valr.AccountTrade) {
	err := h.c.tracker.ApplyFill(orders.Ref{
		LocalID: trade.LocalID,
		VenueID: trade.VenueID,
	}, trade.Quantity, trade.At)
	if err != nil {
		h.logOrderEvent("fill", trade.LocalID, err)
	}
}

func (h accountHandler) OnBalanceUpdate(_ context.Context, balance schema.Balance) {
	h.c.balancesMu.Lock()
	h.c.balances[balance.Asset] = balance
	h.c.balancesMu.Unlock()
}

func (h accountHandler) OnCancelFailed(_ context.Context, localID, _ string, reason string, at time.Time) {
	if err := h.c.tracker.ClearPendingCancel(localID, reason, at); err != nil {
		h.logOrderEvent("cancel failure", localID, err)
	}
}

// logOrderEvent records events for orders the tracker no longer (or never)
// knew. Routine after eviction; worth a log line, never a crash.
func (h accountHandler) logOrderEvent(kind, localID string, err error) {
	if errs.CodeOf(err) == errs.CodeUnknownEntity {
		observability.Log().Debug("event for untracked order",
			observability.F("kind", kind),
			observability.F("local_id", localID),
		)
		return
	}
	observability.Log().Warn("order event rejected",
		observability.F("kind", kind),
		observability.F("local_id", localID),
		observability.F("error", err),
	)
}
