package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrations

	"github.com/quantfold/marlin/internal/journal/migrations"
	"github.com/quantfold/marlin/internal/observability"
)

const insertEventSQL = `
INSERT INTO order_events (
    local_order_id,
    venue_order_id,
    symbol,
    side,
    from_state,
    to_state,
    filled_quantity,
    reason,
    occurred_at
)
VALUES (@local_order_id, @venue_order_id, @symbol, @side, @from_state, @to_state, @filled_quantity, @reason, @occurred_at)`

const queueDepth = 1024

// Postgres persists entries to an order_events table via a background
// writer. Record never blocks the caller: if the queue is full the entry is
// dropped and counted in the log.
type Postgres struct {
	pool    *pgxpool.Pool
	queue   chan Entry
	done    chan struct{}
	baseCtx context.Context
}

// OpenPostgres connects to dsn, applies pending migrations, and starts the
// background writer.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if err := applyMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	p := &Postgres{
		pool:    pool,
		queue:   make(chan Entry, queueDepth),
		done:    make(chan struct{}),
		baseCtx: ctx,
	}
	go p.writeLoop()
	return p, nil
}

func applyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("journal: open migrations connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal: ping migrations database: %w", err)
	}

	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("journal: load embedded migrations: %w", err)
	}
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("journal: initialise pgx driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("journal: initialise migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal: apply migrations: %w", err)
	}
	return nil
}

// Record enqueues one entry for the background writer.
func (p *Postgres) Record(_ context.Context, entry Entry) {
	select {
	case p.queue <- entry:
	default:
		observability.Log().Warn("journal queue full, dropping entry",
			observability.F("local_id", entry.LocalID),
			observability.F("to_state", entry.ToState.String()),
		)
	}
}

// Close drains the queue and releases the pool.
func (p *Postgres) Close(ctx context.Context) error {
	close(p.queue)
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	p.pool.Close()
	return nil
}

func (p *Postgres) writeLoop() {
	defer close(p.done)
	for entry := range p.queue {
		if err := p.insert(p.baseCtx, entry); err != nil {
			observability.Log().Error("journal insert failed",
				observability.F("local_id", entry.LocalID),
				observability.F("error", err),
			)
		}
	}
}

func (p *Postgres) insert(ctx context.Context, entry Entry) error {
	_, err := p.pool.Exec(ctx, insertEventSQL, pgx.NamedArgs{
		"local_order_id":  entry.LocalID,
		"venue_order_id":  entry.VenueID,
		"symbol":          entry.Symbol,
		"side":            string(entry.Side),
		"from_state":      entry.FromState.String(),
		"to_state":        entry.ToState.String(),
		"filled_quantity": entry.FilledQuantity.String(),
		"reason":          entry.Reason,
		"occurred_at":     entry.At,
	})
	return err
}
