// Package book maintains local order book replicas assembled from venue
// snapshots and sequenced incremental diffs.
package book

import (
	"hash/crc32"
	"time"

	"github.com/tidwall/btree"

	"github.com/quantfold/marlin/internal/schema"
)

// SyncState tracks where a book replica is in its snapshot/diff lifecycle.
type SyncState int8

const (
	// Uninitialized means no snapshot has ever been applied.
	Uninitialized SyncState = iota
	// SnapshotPending means a snapshot has been requested and diffs are dropped.
	SnapshotPending
	// Synced means diffs are applied in strict sequence order.
	Synced
	// Resyncing means a gap or checksum mismatch was detected and a fresh
	// snapshot is on its way.
	Resyncing
)

func (s SyncState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SnapshotPending:
		return "snapshot_pending"
	case Synced:
		return "synced"
	case Resyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// ApplyResult reports what a diff did to the book.
type ApplyResult int8

const (
	// Applied means the diff advanced the book by exactly one sequence.
	Applied ApplyResult = iota
	// Dropped means the diff was a duplicate or older than the book and was ignored.
	Dropped
	// Gap means the diff skipped ahead; the book entered Resyncing.
	Gap
	// ChecksumMismatch means the post-apply checksum disagreed with the venue's.
	ChecksumMismatch
	// NotSynced means the book is not accepting diffs in its current state.
	NotSynced
)

// Book is a single-instrument order book replica. Not safe for concurrent
// use; the Engine serializes access.
type Book struct {
	symbol         string
	state          SyncState
	seq            uint64
	bids           *btree.BTreeG[schema.PriceLevel]
	asks           *btree.BTreeG[schema.PriceLevel]
	checksumLevels int
	updatedAt      time.Time
}

// New returns an Uninitialized book for symbol. checksumLevels bounds how
// many levels per side feed the integrity checksum.
func New(symbol string, checksumLevels int) *Book {
	if checksumLevels <= 0 {
		checksumLevels = 25
	}
	return &Book{
		symbol: symbol,
		bids: btree.NewBTreeG(func(a, b schema.PriceLevel) bool {
			return a.Price.GreaterThan(b.Price) // best bid first
		}),
		asks: btree.NewBTreeG(func(a, b schema.PriceLevel) bool {
			return a.Price.LessThan(b.Price) // best ask first
		}),
		checksumLevels: checksumLevels,
	}
}

// Symbol returns the book's canonical symbol.
func (b *Book) Symbol() string { return b.symbol }

// State returns the current sync state.
func (b *Book) State() SyncState { return b.state }

// Sequence returns the venue sequence the book is at.
func (b *Book) Sequence() uint64 { return b.seq }

// MarkPending moves the book into SnapshotPending. Diffs arriving until the
// snapshot lands are dropped.
func (b *Book) MarkPending() {
	if b.state == Synced {
		b.state = Resyncing
		return
	}
	if b.state == Uninitialized {
		b.state = SnapshotPending
	}
}

// ApplySnapshot replaces the book contents and brings the book to Synced,
// regardless of its previous state.
func (b *Book) ApplySnapshot(snap schema.BookSnapshot) {
	b.bids.Clear()
	b.asks.Clear()
	for _, lvl := range snap.Bids {
		if lvl.Quantity.IsPositive() {
			b.bids.Set(lvl)
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Quantity.IsPositive() {
			b.asks.Set(lvl)
		}
	}
	b.seq = snap.Sequence
	b.state = Synced
	b.updatedAt = snap.At
}

// ApplyDiff applies one incremental update. Only a diff with sequence exactly
// one past the book's is applied; duplicates and older diffs are dropped
// without side effects, and anything further ahead is a gap.
func (b *Book) ApplyDiff(diff schema.BookDiff) ApplyResult {
	if b.state != Synced {
		if b.state == Uninitialized {
			// First observed traffic for this instrument; a snapshot is owed.
			b.state = SnapshotPending
		}
		return NotSynced
	}
	if diff.Sequence <= b.seq {
		return Dropped
	}
	if diff.Sequence != b.seq+1 {
		b.state = Resyncing
		return Gap
	}

	applySide(b.bids, diff.Bids)
	applySide(b.asks, diff.Asks)
	b.seq = diff.Sequence
	b.updatedAt = diff.At

	if diff.Checksum != 0 && diff.Checksum != b.Checksum() {
		b.state = Resyncing
		return ChecksumMismatch
	}
	return Applied
}

func applySide(side *btree.BTreeG[schema.PriceLevel], levels []schema.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Quantity.IsPositive() {
			side.Set(lvl)
		} else {
			side.Delete(schema.PriceLevel{Price: lvl.Price})
		}
	}
}

// Snapshot exports the current book contents. depth <= 0 exports every level.
func (b *Book) Snapshot(depth int) schema.BookSnapshot {
	return schema.BookSnapshot{
		Symbol:   b.symbol,
		Sequence: b.seq,
		Bids:     exportSide(b.bids, depth),
		Asks:     exportSide(b.asks, depth),
		Checksum: b.Checksum(),
		At:       b.updatedAt,
	}
}

func exportSide(side *btree.BTreeG[schema.PriceLevel], depth int) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, side.Len())
	side.Scan(func(lvl schema.PriceLevel) bool {
		out = append(out, lvl)
		return depth <= 0 || len(out) < depth
	})
	return out
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (schema.PriceLevel, bool) {
	return b.bids.Min()
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (schema.PriceLevel, bool) {
	return b.asks.Min()
}

// Checksum computes CRC32 (IEEE) over the top checksumLevels levels of each
// side, best-first, encoded as "price:quantity:".
func (b *Book) Checksum() uint32 {
	h := crc32.NewIEEE()
	writeSide := func(side *btree.BTreeG[schema.PriceLevel]) {
		n := 0
		side.Scan(func(lvl schema.PriceLevel) bool {
			h.Write([]byte(lvl.Price.String()))
			h.Write([]byte{':'})
			h.Write([]byte(lvl.Quantity.String()))
			h.Write([]byte{':'})
			n++
			return n < b.checksumLevels
		})
	}
	writeSide(b.bids)
	writeSide(b.asks)
	return h.Sum32()
}
