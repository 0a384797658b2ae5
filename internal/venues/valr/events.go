package valr

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/schema"
)

// envelope is the outer frame of every venue websocket message. The type
// field discriminates; data holds the event payload.
type envelope struct {
	Type               string          `json:"type"`
	CurrencyPairSymbol string          `json:"currencyPairSymbol,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// subscription is one stream request inside a SUBSCRIBE message.
type subscription struct {
	Event string   `json:"event"`
	Pairs []string `json:"pairs"`
}

type subscribeRequest struct {
	Type          string         `json:"type"`
	Subscriptions []subscription `json:"subscriptions"`
}

type cancelOnDisconnectRequest struct {
	Type    string `json:"type"`
	Payload struct {
		Enabled bool `json:"enabled"`
	} `json:"payload"`
}

type bookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// bookPayload carries both full snapshots and incremental updates; the
// envelope type tells them apart.
type bookPayload struct {
	Bids           []bookLevel `json:"Bids"`
	Asks           []bookLevel `json:"Asks"`
	SequenceNumber uint64      `json:"SequenceNumber"`
	Checksum       uint32      `json:"Checksum"`
	LastChange     int64       `json:"LastChange"`
}

func (p bookPayload) snapshot(symbol string) schema.BookSnapshot {
	return schema.BookSnapshot{
		Symbol:   symbol,
		Sequence: p.SequenceNumber,
		Bids:     convertLevels(p.Bids),
		Asks:     convertLevels(p.Asks),
		Checksum: p.Checksum,
		At:       time.UnixMilli(p.LastChange),
	}
}

func (p bookPayload) diff(symbol string) schema.BookDiff {
	return schema.BookDiff{
		Symbol:   symbol,
		Sequence: p.SequenceNumber,
		Bids:     convertLevels(p.Bids),
		Asks:     convertLevels(p.Asks),
		Checksum: p.Checksum,
		At:       time.UnixMilli(p.LastChange),
	}
}

func convertLevels(levels []bookLevel) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, schema.PriceLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
	return out
}

type tradePayload struct {
	ID           string          `json:"id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	CurrencyPair string          `json:"currencyPair"`
	TakerSide    string          `json:"takerSide"`
	TradedAt     time.Time       `json:"tradedAt"`
}

type marketSummaryPayload struct {
	CurrencyPair    string          `json:"currencyPair"`
	AskPrice        decimal.Decimal `json:"askPrice"`
	BidPrice        decimal.Decimal `json:"bidPrice"`
	LastTradedPrice decimal.Decimal `json:"lastTradedPrice"`
	Created         time.Time       `json:"created"`
}

// ackPayload covers ORDER_PLACED and ORDER_FAILED.
type ackPayload struct {
	OrderID         string `json:"orderId"`
	CustomerOrderID string `json:"customerOrderId"`
	CurrencyPair    string `json:"currencyPair"`
	Message         string `json:"message"`
	FailedReason    string `json:"failedReason"`
}

func (p ackPayload) reason() string {
	if p.FailedReason != "" {
		return p.FailedReason
	}
	return p.Message
}

// orderStatusPayload is the authoritative per-order status event. Its
// status lives in orderStatusType; the coarse open-order list uses a
// different field name and vocabulary.
type orderStatusPayload struct {
	OrderID           string          `json:"orderId"`
	CustomerOrderID   string          `json:"customerOrderId"`
	OrderStatusType   string          `json:"orderStatusType"`
	CurrencyPair      string          `json:"currencyPair"`
	OriginalPrice     decimal.Decimal `json:"originalPrice"`
	OriginalQuantity  decimal.Decimal `json:"originalQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	ExecutedQuantity  decimal.Decimal `json:"executedQuantity"`
	FailedReason      string          `json:"failedReason"`
	OrderSide         string          `json:"orderSide"`
	OrderUpdatedAt    time.Time       `json:"orderUpdatedAt"`
}

// openOrderEntry is one element of OPEN_ORDERS_UPDATE. Note the status
// field: it is not orderStatusType and must not be treated as authoritative.
type openOrderEntry struct {
	OrderID           string          `json:"orderId"`
	CustomerOrderID   string          `json:"customerOrderId"`
	Side              string          `json:"side"`
	Price             decimal.Decimal `json:"price"`
	OriginalQuantity  decimal.Decimal `json:"originalQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	CurrencyPair      string          `json:"currencyPair"`
	Status            string          `json:"status"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

type accountTradePayload struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"orderId"`
	CustomerOrderID string          `json:"customerOrderId"`
	CurrencyPair    string          `json:"currencyPair"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Side            string          `json:"side"`
	TradedAt        time.Time       `json:"tradedAt"`
}

type balancePayload struct {
	Currency struct {
		ShortName string `json:"shortName"`
		Symbol    string `json:"symbol"`
	} `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (p balancePayload) balance() schema.Balance {
	asset := p.Currency.ShortName
	if asset == "" {
		asset = p.Currency.Symbol
	}
	return schema.Balance{
		Asset:     asset,
		Available: p.Available,
		Total:     p.Total,
		UpdatedAt: p.UpdatedAt,
	}
}

// stateFromVenueStatus maps the venue's status vocabulary onto the local
// lifecycle. Both the authoritative orderStatusType values and the list's
// status values decode through here.
func stateFromVenueStatus(status string) (schema.OrderState, bool) {
	switch status {
	case "Placed", "Open", "Active":
		return schema.StateOpen, true
	case "Partially Filled":
		return schema.StatePartiallyFilled, true
	case "Filled":
		return schema.StateFilled, true
	case "Cancelled":
		return schema.StateCancelled, true
	case "Expired":
		return schema.StateCancelled, true
	case "Failed", "Rejected":
		return schema.StateRejected, true
	default:
		return schema.StateSubmitted, false
	}
}

func sideFromVenue(side string) schema.TradeSide {
	switch side {
	case "buy", "BUY":
		return schema.SideBuy
	case "sell", "SELL":
		return schema.SideSell
	default:
		return schema.TradeSide(side)
	}
}

func decodePayload[T any](data json.RawMessage, out *T) error {
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New(VenueName, errs.CodeProtocol,
			errs.WithMessage("malformed event payload"),
			errs.WithCause(err))
	}
	return nil
}
