// Package schema defines canonical value types shared across marlin components.
package schema

// TradeSide identifies the direction of an order or trade.
type TradeSide string

const (
	// SideBuy bids for the base asset.
	SideBuy TradeSide = "BUY"
	// SideSell offers the base asset.
	SideSell TradeSide = "SELL"
)

// Valid reports whether the side is recognised.
func (s TradeSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderState enumerates the lifecycle states of a tracked order.
type OrderState int8

const (
	// StateSubmitted means the request left the client but no acknowledgment arrived yet.
	StateSubmitted OrderState = iota
	// StateAcknowledged means the venue accepted the request; its effect is still unknown.
	StateAcknowledged
	// StateOpen means the order rests in the venue book.
	StateOpen
	// StatePartiallyFilled means part of the quantity has traded.
	StatePartiallyFilled
	// StateFilled means the full quantity traded. Terminal.
	StateFilled
	// StateCancelled means the venue confirmed removal. Terminal.
	StateCancelled
	// StateRejected means the venue definitively refused the order. Terminal.
	StateRejected
)

var orderStateNames = map[OrderState]string{
	StateSubmitted:       "submitted",
	StateAcknowledged:    "acknowledged",
	StateOpen:            "open",
	StatePartiallyFilled: "partially_filled",
	StateFilled:          "filled",
	StateCancelled:       "cancelled",
	StateRejected:        "rejected",
}

func (s OrderState) String() string {
	if name, ok := orderStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}
