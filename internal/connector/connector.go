// Package connector assembles the venue sessions, the order book engine,
// and the order tracker into one client facade.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantfold/marlin/config"
	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/book"
	"github.com/quantfold/marlin/internal/journal"
	"github.com/quantfold/marlin/internal/observability"
	"github.com/quantfold/marlin/internal/orders"
	"github.com/quantfold/marlin/internal/schema"
	"github.com/quantfold/marlin/internal/symbols"
	"github.com/quantfold/marlin/internal/telemetry"
	"github.com/quantfold/marlin/internal/venues/valr"
)

const (
	evictInterval          = 30 * time.Second
	summaryRefreshInterval = time.Minute
	degradedPollInterval   = 5 * time.Second
)

// OrderRequest is a limit order submission.
type OrderRequest struct {
	Symbol   string
	Side     schema.TradeSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	PostOnly bool
}

// OrderUpdate is one observed order state transition.
type OrderUpdate struct {
	Order orders.Order
	From  schema.OrderState
	To    schema.OrderState
}

// Connectivity reports the state of both sessions.
type Connectivity struct {
	Market  valr.SessionState
	Account valr.SessionState
}

// Connector is the venue client. Construct with New, then Start.
type Connector struct {
	cfg     config.Settings
	rest    *valr.RESTClient
	market  *valr.Session
	account *valr.Session
	router  *valr.Router

	books   *book.Engine
	tracker *orders.Tracker
	symbols *symbols.Cache
	journal journal.Journal
	metrics *telemetry.Metrics

	balancesMu sync.RWMutex
	balances   map[string]schema.Balance

	updates chan OrderUpdate
	trades  chan schema.PublicTrade

	errCh  chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New builds an unstarted Connector.
func New(cfg config.Settings, jrnl journal.Journal, metrics *telemetry.Metrics) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Instruments) == 0 {
		return nil, errs.New(valr.VenueName, errs.CodeInvalid,
			errs.WithMessage("at least one instrument required"))
	}
	signer, err := valr.NewSigner(cfg.Venue.Credentials.APIKey, cfg.Venue.Credentials.APISecret)
	if err != nil {
		return nil, err
	}
	if jrnl == nil {
		jrnl = journal.Noop{}
	}

	c := &Connector{
		cfg:      cfg,
		rest:     valr.NewRESTClient(cfg.Venue.RESTURL, cfg.Venue.HTTPTimeout, signer),
		symbols:  symbols.NewCache(),
		journal:  jrnl,
		metrics:  metrics,
		balances: make(map[string]schema.Balance),
		updates:  make(chan OrderUpdate, 256),
		trades:   make(chan schema.PublicTrade, 256),
		errCh:    make(chan error, 64),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.books = book.NewEngine(cfg.Instruments, cfg.Book.ChecksumLevels,
		book.SnapshotRequesterFunc(c.fetchSnapshot))
	c.books.OnResync(func(symbol, reason string) {
		c.metrics.RecordBookResync(context.Background(), symbol, reason)
	})

	c.tracker = orders.NewTracker(orders.Guard{
		GracePeriod:       cfg.Reconciliation.GracePeriod,
		StatusQuietWindow: cfg.Reconciliation.StatusQuietWindow,
	}, cfg.Reconciliation.TerminalRetention)
	c.tracker.OnTransition(c.onTransition)

	c.router = valr.NewRouter(marketHandler{c}, accountHandler{c})

	c.market = valr.NewSession(context.Background(), valr.SessionConfig{
		Name:             "market",
		URL:              cfg.Venue.MarketWSURL,
		Path:             valr.WSPathTrade,
		Signer:           signer,
		PingInterval:     cfg.Venue.PingInterval,
		HandshakeTimeout: cfg.Venue.HandshakeTimeout,
		Handler:          c.router.HandleMarket,
		OnConnect:        c.onMarketConnect,
		OnDisconnect:     c.books.MarkAllPending,
		OnStateChange: func(state valr.SessionState) {
			c.onSessionState("market", state)
		},
	}, c.errCh)

	c.account = valr.NewSession(context.Background(), valr.SessionConfig{
		Name:             "account",
		URL:              cfg.Venue.AccountWSURL,
		Path:             valr.WSPathAccount,
		Signer:           signer,
		PingInterval:     cfg.Venue.PingInterval,
		HandshakeTimeout: cfg.Venue.HandshakeTimeout,
		Handler:          c.router.HandleAccount,
		OnConnect:        c.onAccountConnect,
		OnDisconnect:     func() { c.tracker.MarkDisconnected(time.Now()) },
		OnStateChange: func(state valr.SessionState) {
			c.onSessionState("account", state)
		},
	}, c.errCh)

	return c, nil
}

// Start loads the instrument catalogue, connects both sessions, and
// launches the background maintenance loops.
func (c *Connector) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()

	if _, err := c.rest.ServerTime(c.ctx); err != nil {
		return err
	}
	if err := c.refreshInstruments(c.ctx); err != nil {
		return err
	}
	for _, symbol := range c.cfg.Instruments {
		if _, err := c.symbols.Resolve(symbol); err != nil {
			return err
		}
	}

	if err := c.account.Start(); err != nil {
		return err
	}
	if err := c.market.Start(); err != nil {
		c.account.Stop()
		return err
	}

	c.wg.Go(c.drainErrors)
	c.wg.Go(c.evictLoop)
	c.wg.Go(c.summaryLoop)
	c.wg.Go(c.degradedPollLoop)

	observability.Log().Info("connector started",
		observability.F("instruments", len(c.cfg.Instruments)),
	)
	return nil
}

// Stop tears everything down and waits for the background loops.
func (c *Connector) Stop() {
	c.cancel()
	c.market.Stop()
	c.account.Stop()
	c.wg.Wait()
}

// SubmitOrder validates and registers a limit order and returns its local
// id immediately. Placement happens asynchronously; the order's progress
// arrives on Updates.
func (c *Connector) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if !req.Side.Valid() {
		return "", errs.New(valr.VenueName, errs.CodeInvalid,
			errs.WithMessage("invalid side "+string(req.Side)))
	}
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return "", errs.New(valr.VenueName, errs.CodeInvalid,
			errs.WithMessage("price and quantity must be positive"))
	}
	inst, err := c.symbols.Resolve(req.Symbol)
	if err != nil {
		return "", err
	}
	if err := c.symbols.ValidateOrder(req.Symbol, req.Price, req.Quantity); err != nil {
		return "", err
	}

	localID := uuid.NewString()
	if err := c.tracker.Submit(orders.Order{
		LocalID:  localID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	}); err != nil {
		return "", err
	}

	c.wg.Go(func() {
		venueID, placeErr := c.rest.PlaceLimit(c.ctx, valr.PlaceLimitRequest{
			VenueSymbol:     inst.VenueSymbol,
			Side:            req.Side,
			Price:           req.Price,
			Quantity:        req.Quantity,
			CustomerOrderID: localID,
			PostOnly:        req.PostOnly,
		})
		if placeErr == nil {
			// The REST response is only a receipt; lifecycle events on
			// the account stream decide the order's fate.
			if ackErr := c.tracker.ApplyAck(localID, venueID, time.Now()); ackErr != nil {
				observability.Log().Warn("ack after placement failed",
					observability.F("local_id", localID),
					observability.F("error", ackErr),
				)
			}
			return
		}
		if errs.Retryable(placeErr) {
			// The request may still have reached the venue; keep the
			// order Submitted and let reconciliation settle it.
			observability.Log().Warn("order placement uncertain",
				observability.F("local_id", localID),
				observability.F("error", placeErr),
			)
			return
		}
		if failErr := c.tracker.ApplyFailure(localID, placeErr.Error(), time.Now()); failErr != nil {
			observability.Log().Warn("record placement failure",
				observability.F("local_id", localID),
				observability.F("error", failErr),
			)
		}
	})
	return localID, nil
}

// CancelOrder requests cancellation. The order stays live under a
// pending-cancel flag until the venue confirms.
func (c *Connector) CancelOrder(ctx context.Context, localID string) error {
	o, ok := c.tracker.Get(localID)
	if !ok {
		return errs.New(valr.VenueName, errs.CodeUnknownEntity,
			errs.WithMessage("unknown order "+localID))
	}
	inst, err := c.symbols.Resolve(o.Symbol)
	if err != nil {
		return err
	}
	if err := c.tracker.MarkPendingCancel(localID); err != nil {
		return err
	}

	c.wg.Go(func() {
		cancelErr := c.rest.Cancel(c.ctx, inst.VenueSymbol, o.VenueID, localID)
		if cancelErr == nil {
			return
		}
		if errs.CodeOf(cancelErr) == errs.CodeUnknownEntity {
			// Already gone venue-side; the status stream or the next
			// open-order list settles the final state.
			observability.Log().Info("cancel target not found",
				observability.F("local_id", localID),
			)
			return
		}
		if clearErr := c.tracker.ClearPendingCancel(localID, cancelErr.Error(), time.Now()); clearErr != nil {
			observability.Log().Warn("clear pending cancel",
				observability.F("local_id", localID),
				observability.F("error", clearErr),
			)
		}
		c.reportError(cancelErr)
	})
	return nil
}

// Order returns a copy of a tracked order.
func (c *Connector) Order(localID string) (orders.Order, bool) {
	return c.tracker.Get(localID)
}

// OpenOrders returns all live tracked orders.
func (c *Connector) OpenOrders() []orders.Order {
	return c.tracker.Open()
}

// Book returns the synced book for a canonical symbol. depth <= 0 falls
// back to the configured default; a zero default exports every level.
func (c *Connector) Book(symbol string, depth int) (schema.BookSnapshot, error) {
	if depth <= 0 {
		depth = c.cfg.Book.Depth
	}
	return c.books.Snapshot(symbol, depth)
}

// BookState reports the sync state of a symbol's book.
func (c *Connector) BookState(symbol string) book.SyncState {
	return c.books.State(symbol)
}

// Balances returns the latest known balances, fetching over REST when no
// stream update has arrived yet.
func (c *Connector) Balances(ctx context.Context) ([]schema.Balance, error) {
	c.balancesMu.RLock()
	cached := make([]schema.Balance, 0, len(c.balances))
	for _, b := range c.balances {
		cached = append(cached, b)
	}
	c.balancesMu.RUnlock()
	if len(cached) > 0 {
		return cached, nil
	}

	fetched, err := c.rest.Balances(ctx)
	if err != nil {
		return nil, err
	}
	c.balancesMu.Lock()
	for _, b := range fetched {
		c.balances[b.Asset] = b
	}
	c.balancesMu.Unlock()
	return fetched, nil
}

// Connectivity reports both session states.
func (c *Connector) Connectivity() Connectivity {
	return Connectivity{
		Market:  c.market.State(),
		Account: c.account.State(),
	}
}

// Updates delivers order state transitions. Slow consumers lose updates
// rather than stalling the event path.
func (c *Connector) Updates() <-chan OrderUpdate { return c.updates }

// Trades delivers public trades for subscribed instruments.
func (c *Connector) Trades() <-chan schema.PublicTrade { return c.trades }

// Summary returns the latest market summary for a canonical symbol.
func (c *Connector) Summary(symbol string) (symbols.Summary, bool) {
	return c.symbols.Summary(symbol)
}

func (c *Connector) refreshInstruments(ctx context.Context) error {
	instruments, err := c.rest.Instruments(ctx)
	if err != nil {
		return err
	}
	c.symbols.Replace(instruments)
	return nil
}

func (c *Connector) venuePairs() []string {
	pairs := make([]string, 0, len(c.cfg.Instruments))
	for _, symbol := range c.cfg.Instruments {
		inst, err := c.symbols.Resolve(symbol)
		if err != nil {
			continue
		}
		pairs = append(pairs, inst.VenueSymbol)
	}
	return pairs
}

// onMarketConnect resubscribes after every (re)connect. Books are marked
// suspect first so stale diffs cannot land on pre-disconnect state.
func (c *Connector) onMarketConnect(ctx context.Context) {
	c.books.MarkAllPending()
	pairs := c.venuePairs()
	for _, event := range []string{"AGGREGATED_ORDERBOOK_UPDATE", "NEW_TRADE", "MARKET_SUMMARY_UPDATE"} {
		if err := c.market.Subscribe(ctx, event, pairs); err != nil {
			c.reportError(err)
		}
	}
	for _, symbol := range c.cfg.Instruments {
		c.books.Resync(ctx, symbol)
	}
}

func (c *Connector) onAccountConnect(ctx context.Context) {
	if !c.cfg.Venue.CancelOnDisconnect {
		return
	}
	if err := c.account.EnableCancelOnDisconnect(ctx); err != nil {
		c.reportError(err)
	}
}

func (c *Connector) onTransition(o orders.Order, from, to schema.OrderState) {
	c.metrics.RecordOrderTransition(context.Background(), o.Symbol, from.String(), to.String())
	c.journal.Record(context.Background(), journal.Entry{
		LocalID:        o.LocalID,
		VenueID:        o.VenueID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		FromState:      from,
		ToState:        to,
		FilledQuantity: o.FilledQuantity,
		Reason:         o.Reason,
		At:             o.UpdatedAt,
	})
	select {
	case c.updates <- OrderUpdate{Order: o, From: from, To: to}:
	default:
		observability.Log().Warn("order update dropped, consumer too slow",
			observability.F("local_id", o.LocalID),
		)
	}
}

func (c *Connector) onSessionState(session string, state valr.SessionState) {
	c.metrics.RecordSessionState(context.Background(), session, int64(state))
	if state == valr.SessionConnecting {
		c.metrics.RecordReconnect(context.Background(), session)
	}
}

func (c *Connector) fetchSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error) {
	inst, err := c.symbols.Resolve(symbol)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	snap, err := c.rest.OrderBook(ctx, inst.VenueSymbol)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	snap.Symbol = symbol
	return snap, nil
}

func (c *Connector) drainErrors() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case err := <-c.errCh:
			code := errs.CodeOf(err)
			if code == errs.CodeProtocol {
				c.metrics.RecordDroppedFrame(c.ctx, "protocol")
			}
			observability.Log().Error("venue error",
				observability.F("error", err),
				observability.F("code", string(code)),
			)
		}
	}
}

func (c *Connector) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.tracker.EvictExpired(time.Now()); n > 0 {
				observability.Log().Debug("evicted terminal orders",
					observability.F("count", n),
				)
			}
		}
	}
}

func (c *Connector) summaryLoop() {
	ticker := time.NewTicker(summaryRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			summaries, err := c.rest.MarketSummaries(c.ctx)
			if err != nil {
				c.reportError(err)
				continue
			}
			for _, summary := range summaries {
				c.applySummary(summary)
			}
		}
	}
}

// degradedPollLoop substitutes REST polling for the account stream's full
// open-order lists while the session is degraded.
func (c *Connector) degradedPollLoop() {
	ticker := time.NewTicker(degradedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.account.State() != valr.SessionDegraded {
				continue
			}
			open, err := c.rest.OpenOrders(c.ctx)
			if err != nil {
				c.reportError(err)
				continue
			}
			c.tracker.ApplyOpenOrders(c.convertOpenOrders(open), time.Now())
		}
	}
}

func (c *Connector) convertOpenOrders(entries []valr.OpenOrder) []orders.OpenOrder {
	out := make([]orders.OpenOrder, 0, len(entries))
	for _, entry := range entries {
		symbol := entry.VenueSymbol
		if inst, err := c.symbols.ResolveVenue(entry.VenueSymbol); err == nil {
			symbol = inst.Symbol
		}
		out = append(out, orders.OpenOrder{
			LocalID:        entry.LocalID,
			VenueID:        entry.VenueID,
			Symbol:         symbol,
			Side:           entry.Side,
			Price:          entry.Price,
			Quantity:       entry.Quantity,
			FilledQuantity: entry.FilledQuantity,
			State:          entry.State,
		})
	}
	return out
}

func (c *Connector) applySummary(summary valr.MarketSummary) {
	inst, err := c.symbols.ResolveVenue(summary.VenueSymbol)
	if err != nil {
		return
	}
	c.symbols.UpdateSummary(symbols.Summary{
		Symbol:    inst.Symbol,
		LastPrice: summary.LastPrice,
		BidPrice:  summary.BidPrice,
		AskPrice:  summary.AskPrice,
		At:        summary.At,
	})
}

func (c *Connector) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case c.errCh <- err:
	default:
	}
}
