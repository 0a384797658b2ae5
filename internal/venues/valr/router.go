package valr

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/schema"
)

// MarketSummary is a decoded market summary event, still keyed by the
// venue's pair symbol.
type MarketSummary struct {
	VenueSymbol string
	BidPrice    decimal.Decimal
	AskPrice    decimal.Decimal
	LastPrice   decimal.Decimal
	At          time.Time
}

// OrderStatus is a decoded authoritative per-order status event.
type OrderStatus struct {
	LocalID        string
	VenueID        string
	VenueSymbol    string
	State          schema.OrderState
	FilledQuantity decimal.Decimal
	Reason         string
	At             time.Time
}

// OpenOrder is one decoded entry of a full open-order list, keyed by the
// venue's pair symbol. State here derives from the list's coarse status
// field, never from orderStatusType.
type OpenOrder struct {
	LocalID        string
	VenueID        string
	VenueSymbol    string
	Side           schema.TradeSide
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	State          schema.OrderState
}

// AccountTrade is a decoded fill on one of our orders.
type AccountTrade struct {
	TradeID     string
	LocalID     string
	VenueID     string
	VenueSymbol string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Side        schema.TradeSide
	At          time.Time
}

// MarketHandler consumes decoded market-session events.
type MarketHandler interface {
	OnBookSnapshot(ctx context.Context, snap schema.BookSnapshot)
	OnBookDiff(ctx context.Context, diff schema.BookDiff)
	OnTrade(ctx context.Context, trade schema.PublicTrade)
	OnMarketSummary(ctx context.Context, summary MarketSummary)
}

// AccountHandler consumes decoded account-session events.
type AccountHandler interface {
	OnOrderAck(ctx context.Context, localID, venueID string, at time.Time)
	OnOrderFailed(ctx context.Context, localID, venueID, reason string, at time.Time)
	OnOrderStatus(ctx context.Context, status OrderStatus)
	OnOpenOrders(ctx context.Context, entries []OpenOrder, at time.Time)
	OnAccountTrade(ctx context.Context, trade AccountTrade)
	OnBalanceUpdate(ctx context.Context, balance schema.Balance)
	OnCancelFailed(ctx context.Context, localID, venueID, reason string, at time.Time)
}

// Router decodes venue frames and dispatches them to the registered
// handlers. Control frames are absorbed; unrecognized event types surface
// as protocol errors so the caller can count dropped frames.
type Router struct {
	market  MarketHandler
	account AccountHandler
	now     func() time.Time
}

// NewRouter builds a Router over the two handlers. Either may be nil when
// only one session is routed.
func NewRouter(market MarketHandler, account AccountHandler) *Router {
	return &Router{market: market, account: account, now: time.Now}
}

// HandleMarket routes one market-session frame.
func (r *Router) HandleMarket(ctx context.Context, frame []byte) error {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return err
	}
	switch env.Type {
	case msgPong, msgSubscribed, msgUnsubscribed, msgAuthenticated, msgNoSubscriptions:
		return nil
	case msgBookSnapshot:
		var payload bookPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.market.OnBookSnapshot(ctx, payload.snapshot(env.CurrencyPairSymbol))
		return nil
	case msgBookUpdate:
		var payload bookPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.market.OnBookDiff(ctx, payload.diff(env.CurrencyPairSymbol))
		return nil
	case msgNewTrade:
		var payload tradePayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.market.OnTrade(ctx, schema.PublicTrade{
			Symbol:    payload.CurrencyPair,
			TradeID:   payload.ID,
			Price:     payload.Price,
			Quantity:  payload.Quantity,
			TakerSide: sideFromVenue(payload.TakerSide),
			TradedAt:  payload.TradedAt,
		})
		return nil
	case msgMarketSummary:
		var payload marketSummaryPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.market.OnMarketSummary(ctx, MarketSummary{
			VenueSymbol: payload.CurrencyPair,
			BidPrice:    payload.BidPrice,
			AskPrice:    payload.AskPrice,
			LastPrice:   payload.LastTradedPrice,
			At:          payload.Created,
		})
		return nil
	default:
		return errs.New(VenueName, errs.CodeProtocol,
			errs.WithMessage("unrecognized market event"),
			errs.WithRawCode(env.Type))
	}
}

// HandleAccount routes one account-session frame.
func (r *Router) HandleAccount(ctx context.Context, frame []byte) error {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return err
	}
	switch env.Type {
	case msgPong, msgSubscribed, msgUnsubscribed, msgAuthenticated, msgNoSubscriptions,
		msgCancelOnDisconnect:
		// The venue echoes CANCEL_ON_DISCONNECT as an acknowledgment.
		return nil
	case msgOrderPlaced:
		var payload ackPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.account.OnOrderAck(ctx, payload.CustomerOrderID, payload.OrderID, r.now())
		return nil
	case msgOrderFailed:
		var payload ackPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.account.OnOrderFailed(ctx, payload.CustomerOrderID, payload.OrderID, payload.reason(), r.now())
		return nil
	case msgOrderStatusUpdate:
		var payload orderStatusPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		state, ok := stateFromVenueStatus(payload.OrderStatusType)
		if !ok {
			return errs.New(VenueName, errs.CodeProtocol,
				errs.WithMessage("unrecognized order status"),
				errs.WithRawCode(payload.OrderStatusType))
		}
		at := payload.OrderUpdatedAt
		if at.IsZero() {
			at = r.now()
		}
		r.account.OnOrderStatus(ctx, OrderStatus{
			LocalID:        payload.CustomerOrderID,
			VenueID:        payload.OrderID,
			VenueSymbol:    payload.CurrencyPair,
			State:          state,
			FilledQuantity: filledOf(payload.OriginalQuantity, payload.RemainingQuantity, payload.ExecutedQuantity),
			Reason:         payload.FailedReason,
			At:             at,
		})
		return nil
	case msgOpenOrdersUpdate:
		var payload []openOrderEntry
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		entries := make([]OpenOrder, 0, len(payload))
		for _, entry := range payload {
			state, ok := stateFromVenueStatus(entry.Status)
			if !ok {
				state = schema.StateOpen
			}
			entries = append(entries, OpenOrder{
				LocalID:        entry.CustomerOrderID,
				VenueID:        entry.OrderID,
				VenueSymbol:    entry.CurrencyPair,
				Side:           sideFromVenue(entry.Side),
				Price:          entry.Price,
				Quantity:       entry.OriginalQuantity,
				FilledQuantity: filledOf(entry.OriginalQuantity, entry.RemainingQuantity, decimal.Zero),
				State:          state,
			})
		}
		r.account.OnOpenOrders(ctx, entries, r.now())
		return nil
	case msgAccountTrade:
		var payload accountTradePayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.account.OnAccountTrade(ctx, AccountTrade{
			TradeID:     payload.ID,
			LocalID:     payload.CustomerOrderID,
			VenueID:     payload.OrderID,
			VenueSymbol: payload.CurrencyPair,
			Price:       payload.Price,
			Quantity:    payload.Quantity,
			Side:        sideFromVenue(payload.Side),
			At:          payload.TradedAt,
		})
		return nil
	case msgBalanceUpdate:
		var payload balancePayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.account.OnBalanceUpdate(ctx, payload.balance())
		return nil
	case msgCancelFailed, msgCancelOrderFailed:
		var payload ackPayload
		if err := decodePayload(env.Data, &payload); err != nil {
			return err
		}
		r.account.OnCancelFailed(ctx, payload.CustomerOrderID, payload.OrderID, payload.reason(), r.now())
		return nil
	case msgCancelOrderSuccess:
		// Only an ack; the authoritative Cancelled status follows on
		// ORDER_STATUS_UPDATE.
		return nil
	default:
		return errs.New(VenueName, errs.CodeProtocol,
			errs.WithMessage("unrecognized account event"),
			errs.WithRawCode(env.Type))
	}
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return envelope{}, errs.New(VenueName, errs.CodeProtocol,
			errs.WithMessage("malformed frame"),
			errs.WithCause(err))
	}
	if env.Type == "" {
		return envelope{}, errs.New(VenueName, errs.CodeProtocol,
			errs.WithMessage("frame missing type"))
	}
	return env, nil
}

// filledOf prefers original minus remaining; some payloads only carry an
// executed quantity.
func filledOf(original, remaining, executed decimal.Decimal) decimal.Decimal {
	if original.IsPositive() {
		filled := original.Sub(remaining)
		if !filled.IsNegative() {
			return filled
		}
	}
	return executed
}
