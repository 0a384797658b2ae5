package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one aggregated price level of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BookSnapshot is a full order book image with its venue sequence number.
type BookSnapshot struct {
	Symbol   string
	Sequence uint64
	Bids     []PriceLevel
	Asks     []PriceLevel
	Checksum uint32
	At       time.Time
}

// BookDiff is an incremental order book update. A zero Quantity removes the level.
type BookDiff struct {
	Symbol   string
	Sequence uint64
	Bids     []PriceLevel
	Asks     []PriceLevel
	Checksum uint32
	At       time.Time
}

// PublicTrade is a trade printed on the venue's public feed.
type PublicTrade struct {
	Symbol    string
	TradeID   string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	TakerSide TradeSide
	TradedAt  time.Time
}
