// Package symbols maintains the venue instrument catalogue and the mapping
// between canonical BASE-QUOTE symbols and venue pair codes.
package symbols

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/schema"
)

// Summary is a per-instrument price snapshot refreshed from the venue's
// market summary feed.
type Summary struct {
	Symbol    string
	LastPrice decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	At        time.Time
}

// Cache resolves symbols in both directions and gates order placement on
// catalogue readiness. A Cache is safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	ready     bool
	byCanon   map[string]schema.Instrument
	byVenue   map[string]schema.Instrument
	summaries map[string]Summary
}

// NewCache returns an empty, not-yet-ready cache.
func NewCache() *Cache {
	return &Cache{
		byCanon:   make(map[string]schema.Instrument),
		byVenue:   make(map[string]schema.Instrument),
		summaries: make(map[string]Summary),
	}
}

// Replace swaps the full catalogue and marks the cache ready.
func (c *Cache) Replace(instruments []schema.Instrument) {
	byCanon := make(map[string]schema.Instrument, len(instruments))
	byVenue := make(map[string]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		byCanon[inst.Symbol] = inst
		byVenue[inst.VenueSymbol] = inst
	}

	c.mu.Lock()
	c.byCanon = byCanon
	c.byVenue = byVenue
	c.ready = true
	c.mu.Unlock()
}

// Ready reports whether the catalogue has been loaded at least once.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Resolve maps a canonical BASE-QUOTE symbol to its instrument definition.
func (c *Cache) Resolve(symbol string) (schema.Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return schema.Instrument{}, errs.New("valr", errs.CodeUnavailable,
			errs.WithMessage("instrument catalogue not loaded"))
	}
	inst, ok := c.byCanon[symbol]
	if !ok {
		return schema.Instrument{}, errs.New("valr", errs.CodeUnknownEntity,
			errs.WithMessage("unknown symbol "+symbol))
	}
	return inst, nil
}

// ResolveVenue maps a venue pair code back to its instrument definition.
func (c *Cache) ResolveVenue(venueSymbol string) (schema.Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return schema.Instrument{}, errs.New("valr", errs.CodeUnavailable,
			errs.WithMessage("instrument catalogue not loaded"))
	}
	inst, ok := c.byVenue[venueSymbol]
	if !ok {
		return schema.Instrument{}, errs.New("valr", errs.CodeUnknownEntity,
			errs.WithMessage("unknown venue symbol "+venueSymbol))
	}
	return inst, nil
}

// Instruments returns the catalogue in no particular order.
func (c *Cache) Instruments() []schema.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.Instrument, 0, len(c.byCanon))
	for _, inst := range c.byCanon {
		out = append(out, inst)
	}
	return out
}

// ValidateOrder checks price and quantity against the instrument's trading
// rules before an order is sent to the venue.
func (c *Cache) ValidateOrder(symbol string, price, quantity decimal.Decimal) error {
	inst, err := c.Resolve(symbol)
	if err != nil {
		return err
	}
	if !inst.Active {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("instrument "+symbol+" not tradable"))
	}
	if quantity.LessThan(inst.MinQuantity) {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("quantity below minimum "+inst.MinQuantity.String()))
	}
	if inst.MaxQuantity.IsPositive() && quantity.GreaterThan(inst.MaxQuantity) {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("quantity above maximum "+inst.MaxQuantity.String()))
	}
	if inst.TickSize.IsPositive() && !price.Mod(inst.TickSize).IsZero() {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("price not a multiple of tick size "+inst.TickSize.String()))
	}
	if inst.StepSize.IsPositive() && !quantity.Mod(inst.StepSize).IsZero() {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("quantity not a multiple of step size "+inst.StepSize.String()))
	}
	if inst.MinNotional.IsPositive() && price.Mul(quantity).LessThan(inst.MinNotional) {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("order notional below minimum "+inst.MinNotional.String()))
	}
	return nil
}

// UpdateSummary records the latest market summary for a canonical symbol.
func (c *Cache) UpdateSummary(summary Summary) {
	c.mu.Lock()
	c.summaries[summary.Symbol] = summary
	c.mu.Unlock()
}

// Summary returns the latest market summary for a canonical symbol.
func (c *Cache) Summary(symbol string) (Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.summaries[symbol]
	return s, ok
}
