package book

import (
	"context"
	"sync"
	"time"

	"github.com/quantfold/marlin/errs"
	"github.com/quantfold/marlin/internal/observability"
	"github.com/quantfold/marlin/internal/schema"
)

// snapshotRetryInterval throttles repeated snapshot fetches for a book that
// keeps receiving diffs while out of sync.
const snapshotRetryInterval = 5 * time.Second

// SnapshotRequester fetches a fresh full snapshot for a symbol, typically
// over REST, when the live diff stream cannot be trusted.
type SnapshotRequester interface {
	RequestSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error)
}

// SnapshotRequesterFunc adapts a function to the SnapshotRequester interface.
type SnapshotRequesterFunc func(ctx context.Context, symbol string) (schema.BookSnapshot, error)

// RequestSnapshot calls f.
func (f SnapshotRequesterFunc) RequestSnapshot(ctx context.Context, symbol string) (schema.BookSnapshot, error) {
	return f(ctx, symbol)
}

// ResyncObserver is notified whenever a book leaves Synced. Used for metrics.
type ResyncObserver func(symbol string, reason string)

// Engine owns the book replica for each tracked instrument and serializes
// snapshot and diff application against concurrent reads.
type Engine struct {
	mu             sync.RWMutex
	books          map[string]*Book
	checksumLevels int
	requester      SnapshotRequester
	onResync       ResyncObserver

	// lastFetch records the most recent snapshot request per symbol, so a
	// failed fetch is retried on later diffs instead of waiting for the
	// next reconnect.
	lastFetch map[string]time.Time
}

// NewEngine builds an Engine for the given symbols. requester may be nil, in
// which case resyncs wait for the caller to push a snapshot.
func NewEngine(symbols []string, checksumLevels int, requester SnapshotRequester) *Engine {
	books := make(map[string]*Book, len(symbols))
	for _, sym := range symbols {
		books[sym] = New(sym, checksumLevels)
	}
	return &Engine{
		books:          books,
		checksumLevels: checksumLevels,
		requester:      requester,
		lastFetch:      make(map[string]time.Time),
	}
}

// OnResync registers an observer called whenever a book drops out of sync.
func (e *Engine) OnResync(fn ResyncObserver) { e.onResync = fn }

// Track adds a symbol to the engine if it is not already tracked.
func (e *Engine) Track(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[symbol]; !ok {
		e.books[symbol] = New(symbol, e.checksumLevels)
	}
}

// ApplySnapshot installs a full snapshot for its symbol.
func (e *Engine) ApplySnapshot(snap schema.BookSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[snap.Symbol]
	if !ok {
		return errs.New("valr", errs.CodeUnknownEntity,
			errs.WithMessage("snapshot for untracked symbol "+snap.Symbol))
	}
	b.ApplySnapshot(snap)
	return nil
}

// ApplyDiff applies one incremental update and recovers from gaps and
// checksum mismatches by requesting a fresh snapshot. Duplicate and older
// diffs are dropped without logging; they are routine after reconnects.
func (e *Engine) ApplyDiff(ctx context.Context, diff schema.BookDiff) ApplyResult {
	e.mu.Lock()
	b, ok := e.books[diff.Symbol]
	if !ok {
		e.mu.Unlock()
		return NotSynced
	}
	res := b.ApplyDiff(diff)
	bookSeq := b.Sequence()
	e.mu.Unlock()

	switch res {
	case Gap:
		observability.Log().Warn("book sequence gap, resyncing",
			observability.F("symbol", diff.Symbol),
			observability.F("book_seq", int64(bookSeq)),
			observability.F("diff_seq", int64(diff.Sequence)),
		)
		e.notifyResync(diff.Symbol, "sequence_gap")
		e.resync(ctx, diff.Symbol)
	case ChecksumMismatch:
		observability.Log().Warn("book checksum mismatch, resyncing",
			observability.F("symbol", diff.Symbol),
			observability.F("seq", int64(diff.Sequence)),
		)
		e.notifyResync(diff.Symbol, "checksum_mismatch")
		e.resync(ctx, diff.Symbol)
	case NotSynced:
		e.maybeRetrySnapshot(ctx, diff.Symbol)
	}
	return res
}

// maybeRetrySnapshot re-requests a snapshot for a book stuck out of sync,
// at most once per snapshotRetryInterval.
func (e *Engine) maybeRetrySnapshot(ctx context.Context, symbol string) {
	e.mu.Lock()
	b, ok := e.books[symbol]
	if !ok || b.State() == Synced {
		e.mu.Unlock()
		return
	}
	if last, ok := e.lastFetch[symbol]; ok && time.Since(last) < snapshotRetryInterval {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.resync(ctx, symbol)
}

// MarkAllPending flags every tracked book as needing a fresh snapshot, as
// after a market-session reconnect.
func (e *Engine) MarkAllPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.books {
		b.MarkPending()
	}
}

// Resync forces a fresh snapshot fetch for symbol.
func (e *Engine) Resync(ctx context.Context, symbol string) {
	e.mu.Lock()
	if b, ok := e.books[symbol]; ok {
		b.MarkPending()
	}
	e.mu.Unlock()
	e.resync(ctx, symbol)
}

func (e *Engine) resync(ctx context.Context, symbol string) {
	if e.requester == nil {
		return
	}
	e.mu.Lock()
	e.lastFetch[symbol] = time.Now()
	e.mu.Unlock()
	snap, err := e.requester.RequestSnapshot(ctx, symbol)
	if err != nil {
		observability.Log().Error("book snapshot fetch failed",
			observability.F("symbol", symbol),
			observability.F("error", err),
		)
		return
	}
	if err := e.ApplySnapshot(snap); err != nil {
		observability.Log().Error("book snapshot apply failed",
			observability.F("symbol", symbol),
			observability.F("error", err),
		)
	}
}

func (e *Engine) notifyResync(symbol, reason string) {
	if e.onResync != nil {
		e.onResync(symbol, reason)
	}
}

// Snapshot returns a copy of the current book for symbol.
func (e *Engine) Snapshot(symbol string, depth int) (schema.BookSnapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return schema.BookSnapshot{}, errs.New("valr", errs.CodeUnknownEntity,
			errs.WithMessage("untracked symbol "+symbol))
	}
	if b.State() != Synced {
		return schema.BookSnapshot{}, errs.New("valr", errs.CodeUnavailable,
			errs.WithMessage("book for "+symbol+" is "+b.State().String()))
	}
	return b.Snapshot(depth), nil
}

// State reports the sync state for symbol.
func (e *Engine) State(symbol string) SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.books[symbol]; ok {
		return b.State()
	}
	return Uninitialized
}
