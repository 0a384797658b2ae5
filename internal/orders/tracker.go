package orders

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/observability"
	"github.com/quantfold/marlin/internal/schema"
)

// Ref identifies an order by whichever id a venue event carries.
type Ref struct {
	LocalID string
	VenueID string
}

// OpenOrder is one entry of a venue full open-order list.
type OpenOrder struct {
	LocalID        string
	VenueID        string
	Symbol         string
	Side           schema.TradeSide
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	State          schema.OrderState
}

// TransitionFunc observes every state change. The Order is a copy.
type TransitionFunc func(o Order, from, to schema.OrderState)

// Tracker is the authoritative local view of all submitted orders. All
// methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	guard     Guard
	retention time.Duration

	byLocal map[string]*Order
	byVenue map[string]string // venue id -> local id

	// awaitingList is set on disconnect and cleared by the first full
	// open-order list applied afterwards.
	awaitingList bool

	onTransition TransitionFunc
}

// NewTracker builds a Tracker. retention bounds how long terminal orders
// stay resolvable for late events.
func NewTracker(guard Guard, retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &Tracker{
		guard:     guard,
		retention: retention,
		byLocal:   make(map[string]*Order),
		byVenue:   make(map[string]string),
	}
}

// OnTransition registers the transition observer. Must be called before the
// tracker receives events.
func (t *Tracker) OnTransition(fn TransitionFunc) { t.onTransition = fn }

// Submit registers a new order in Submitted state. The local id must be unique.
func (t *Tracker) Submit(o Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byLocal[o.LocalID]; exists {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("duplicate local order id "+o.LocalID))
	}
	o.State = schema.StateSubmitted
	// An order submitted while the account stream is down joins the
	// reconciliation set; lists produced before the reconnect cannot
	// vouch for it.
	o.AwaitingReconciliation = t.awaitingList
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = o.CreatedAt
	t.byLocal[o.LocalID] = &o
	return nil
}

// ApplyAck records a venue acknowledgment. An acknowledgment only promises
// the request was received: it moves Submitted to Acknowledged and never
// advances an order that authoritative events have already moved further.
func (t *Tracker) ApplyAck(localID, venueID string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(Ref{LocalID: localID})
	if err != nil {
		return err
	}
	if venueID != "" && o.VenueID == "" {
		o.VenueID = venueID
		t.byVenue[venueID] = o.LocalID
	}
	o.witness(at)
	if o.State == schema.StateSubmitted {
		t.transition(o, schema.StateAcknowledged, at)
	}
	return nil
}

// ApplyFailure records a venue placement failure. Unlike a plain
// acknowledgment this is definitive: the order never reached the book.
func (t *Tracker) ApplyFailure(localID, reason string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(Ref{LocalID: localID})
	if err != nil {
		return err
	}
	if o.Terminal() {
		return nil
	}
	o.Reason = reason
	o.witness(at)
	t.transition(o, schema.StateRejected, at)
	return nil
}

// ApplyStatus records an authoritative per-order status event. Stale
// regressions are dropped; terminal states are entered only here and via
// ApplyFailure.
func (t *Tracker) ApplyStatus(ref Ref, state schema.OrderState, filled decimal.Decimal, reason string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(ref)
	if err != nil {
		return err
	}
	if ref.VenueID != "" && o.VenueID == "" {
		o.VenueID = ref.VenueID
		t.byVenue[ref.VenueID] = o.LocalID
	}
	o.witness(at)
	o.AwaitingReconciliation = false
	if filled.GreaterThan(o.FilledQuantity) {
		o.FilledQuantity = filled
	}
	if reason != "" {
		o.Reason = reason
	}
	if o.Terminal() {
		// Late duplicates after a terminal state carry no new information.
		return nil
	}
	if state == o.State {
		return nil
	}
	if !state.Terminal() && rank(state) < rank(o.State) {
		return nil
	}
	if state.Terminal() {
		o.PendingCancel = false
	}
	t.transition(o, state, at)
	return nil
}

// ApplyFill folds a trade into the order's filled quantity. Fills alone
// never complete an order; the terminal Filled state waits for the venue's
// authoritative status.
func (t *Tracker) ApplyFill(ref Ref, quantity decimal.Decimal, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(ref)
	if err != nil {
		return err
	}
	if o.Terminal() {
		return nil
	}
	o.FilledQuantity = o.FilledQuantity.Add(quantity)
	o.witness(at)
	if o.State == schema.StateAcknowledged || o.State == schema.StateOpen {
		t.transition(o, schema.StatePartiallyFilled, at)
	}
	return nil
}

// MarkPendingCancel flags the order as having a cancel request in flight.
// The order stays in its current state until the venue confirms.
func (t *Tracker) MarkPendingCancel(localID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(Ref{LocalID: localID})
	if err != nil {
		return err
	}
	if o.Terminal() {
		return errs.New("valr", errs.CodeInvalid,
			errs.WithMessage("order "+localID+" already "+o.State.String()))
	}
	o.PendingCancel = true
	return nil
}

// ClearPendingCancel records that a cancel request failed; the order remains
// live in its current state.
func (t *Tracker) ClearPendingCancel(localID, reason string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(Ref{LocalID: localID})
	if err != nil {
		return err
	}
	o.PendingCancel = false
	if reason != "" {
		o.Reason = reason
	}
	o.witness(at)
	return nil
}

// MarkDisconnected flags every live order as awaiting reconciliation after
// an account-session loss. Until a full list produced after the reconnect
// arrives, absence from older lists proves nothing.
func (t *Tracker) MarkDisconnected(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.awaitingList = true
	for _, o := range t.byLocal {
		if !o.Terminal() {
			o.AwaitingReconciliation = true
			o.touch(at)
		}
	}
}

// ApplyOpenOrders reconciles the tracker against a full venue open-order
// list. Present orders are refreshed; untracked entries are adopted; absent
// orders are cancelled only when the guard allows the inference.
func (t *Tracker) ApplyOpenOrders(entries []OpenOrder, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	postReconnect := t.awaitingList
	t.awaitingList = false

	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		o, err := t.lookup(Ref{LocalID: entry.LocalID, VenueID: entry.VenueID})
		if err != nil {
			t.adopt(entry, at)
			if entry.LocalID != "" {
				present[entry.LocalID] = struct{}{}
			}
			continue
		}
		present[o.LocalID] = struct{}{}
		if entry.VenueID != "" && o.VenueID == "" {
			o.VenueID = entry.VenueID
			t.byVenue[entry.VenueID] = o.LocalID
		}
		o.witness(at)
		o.AwaitingReconciliation = false
		if entry.FilledQuantity.GreaterThan(o.FilledQuantity) {
			o.FilledQuantity = entry.FilledQuantity
		}
		if o.Terminal() || entry.State == o.State {
			continue
		}
		// The list's status field is a coarse liveness signal: it may
		// advance an order but never terminate one.
		if !entry.State.Terminal() && rank(entry.State) > rank(o.State) {
			t.transition(o, entry.State, at)
		}
	}

	for _, o := range t.byLocal {
		if _, ok := present[o.LocalID]; ok {
			continue
		}
		allowed := t.guard.ShouldInferCancel(o, at, postReconnect)
		if postReconnect {
			// The reconciliation opportunity has happened; from here the
			// grace and quiet windows alone govern inference.
			o.AwaitingReconciliation = false
		}
		if !allowed {
			continue
		}
		o.Reason = "absent from open-order list"
		o.PendingCancel = false
		o.AwaitingReconciliation = false
		o.witness(at)
		t.transition(o, schema.StateCancelled, at)
	}
}

func (t *Tracker) adopt(entry OpenOrder, at time.Time) {
	if entry.LocalID == "" && entry.VenueID == "" {
		return
	}
	if entry.State.Terminal() {
		// A terminal entry has no lifecycle left to track.
		return
	}
	localID := entry.LocalID
	if localID == "" {
		localID = "venue:" + entry.VenueID
	}
	observability.Log().Info("adopting untracked open order",
		observability.F("local_id", localID),
		observability.F("venue_id", entry.VenueID),
		observability.F("symbol", entry.Symbol),
	)
	o := &Order{
		LocalID:        localID,
		VenueID:        entry.VenueID,
		Symbol:         entry.Symbol,
		Side:           entry.Side,
		Price:          entry.Price,
		Quantity:       entry.Quantity,
		FilledQuantity: entry.FilledQuantity,
		State:          entry.State,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	o.witness(at)
	t.byLocal[localID] = o
	if entry.VenueID != "" {
		t.byVenue[entry.VenueID] = localID
	}
}

// EvictExpired drops terminal orders older than the retention window and
// returns how many were removed. Safe to call repeatedly.
func (t *Tracker) EvictExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, o := range t.byLocal {
		if !o.Terminal() || o.TerminalAt.IsZero() {
			continue
		}
		if now.Sub(o.TerminalAt) <= t.retention {
			continue
		}
		delete(t.byLocal, id)
		if o.VenueID != "" {
			delete(t.byVenue, o.VenueID)
		}
		evicted++
	}
	return evicted
}

// Get returns a copy of the tracked order.
func (t *Tracker) Get(localID string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byLocal[localID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Open returns copies of all non-terminal orders.
func (t *Tracker) Open() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Order, 0, len(t.byLocal))
	for _, o := range t.byLocal {
		if !o.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

func (t *Tracker) lookup(ref Ref) (*Order, error) {
	if ref.LocalID != "" {
		if o, ok := t.byLocal[ref.LocalID]; ok {
			return o, nil
		}
	}
	if ref.VenueID != "" {
		if localID, ok := t.byVenue[ref.VenueID]; ok {
			return t.byLocal[localID], nil
		}
	}
	return nil, errs.New("valr", errs.CodeUnknownEntity,
		errs.WithMessage("untracked order local="+ref.LocalID+" venue="+ref.VenueID))
}

// transition mutates o under the tracker lock and notifies the observer.
func (t *Tracker) transition(o *Order, to schema.OrderState, at time.Time) {
	from := o.State
	o.State = to
	o.touch(at)
	if to.Terminal() {
		o.TerminalAt = at
	}
	if t.onTransition != nil {
		t.onTransition(*o, from, to)
	}
}

// rank orders the live states for regression checks.
func rank(s schema.OrderState) int {
	switch s {
	case schema.StateSubmitted:
		return 0
	case schema.StateAcknowledged:
		return 1
	case schema.StateOpen:
		return 2
	case schema.StatePartiallyFilled:
		return 3
	default:
		return 4
	}
}
