package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/errs"
)

// Instrument describes a tradable pair and the venue's numeric constraints for it.
type Instrument struct {
	Symbol      string // canonical BASE-QUOTE form, e.g. BTC-ZAR
	VenueSymbol string // venue-native form, e.g. BTCZAR
	Base        string
	Quote       string
	Active      bool

	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// ValidateSymbol verifies the canonical instrument representation (BASE-QUOTE).
func ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("instrument requires base-quote"))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("schema", errs.CodeInvalid, errs.WithMessage("instrument contains empty leg"))
		}
		if strings.ToUpper(part) != part {
			return errs.New("schema", errs.CodeInvalid, errs.WithMessage("instrument must be uppercase"))
		}
	}
	return nil
}

// Balance captures an asset balance on the venue.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
	UpdatedAt time.Time
}
