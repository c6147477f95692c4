package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creditledger/creditledger/internal/domain"
	"github.com/creditledger/creditledger/internal/slot"
)

const schema = `
CREATE TABLE IF NOT EXISTS slots (
    address    BYTEA PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
    seq        BIGSERIAL PRIMARY KEY,
    kind       TEXT NOT NULL,
    payload    JSONB NOT NULL,
    emitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is the durable Store. One row per derived slot address, one
// append-only events table. Atomicity comes from explicit transactions:
// Update runs at REPEATABLE READ with the touched slot rows locked, so
// each ledger operation is a single all-or-nothing check-then-update.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// EnsureSchema creates the slots and events tables if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema apply failed: %w", err)
	}
	return nil
}

type pgTx struct {
	tx        pgx.Tx
	forUpdate bool
}

func (t *pgTx) Get(ctx context.Context, addr slot.Address) ([]byte, bool, error) {
	q := "SELECT value FROM slots WHERE address = $1"
	if t.forUpdate {
		q += " FOR UPDATE"
	}
	var value []byte
	err := t.tx.QueryRow(ctx, q, addr.Bytes()).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		// A locked read can lose a serialization race just like a
		// write, so it gets the same conflict mapping.
		return nil, false, fmt.Errorf("slot read failed: %w", asConflict(err))
	}
	return value, true, nil
}

func (t *pgTx) Put(ctx context.Context, addr slot.Address, value []byte) error {
	if !t.forUpdate {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx,
		"INSERT INTO slots (address, value) VALUES ($1, $2) ON CONFLICT (address) DO UPDATE SET value = EXCLUDED.value, updated_at = now()",
		addr.Bytes(), value,
	)
	if err != nil {
		return fmt.Errorf("slot write failed: %w", asConflict(err))
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, kind string, payload json.RawMessage) (int64, error) {
	if !t.forUpdate {
		return 0, ErrReadOnly
	}
	var seq int64
	err := t.tx.QueryRow(ctx,
		"INSERT INTO events (kind, payload) VALUES ($1, $2) RETURNING seq",
		kind, payload,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event append failed: %w", err)
	}
	return seq, nil
}

func (p *Postgres) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", asConflict(err))
	}
	return nil
}

func (p *Postgres) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Events(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT seq, kind, payload FROM events WHERE seq > $1 ORDER BY seq LIMIT $2",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.Seq, &ev.Kind, &ev.Payload); err != nil {
			return nil, fmt.Errorf("event scan failed: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// asConflict maps unique-violation and serialization failures onto
// ErrConflict so the ledger can translate a lost race into the right
// admission error. 23505 = unique_violation, 40001 = serialization.
func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "40001") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
	}
	return err
}
