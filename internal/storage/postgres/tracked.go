package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/stockwatch/internal/tracker"
)

const (
	listTrackedSQL = `SELECT record, price_amount, first_seen_at, last_seen_at, was_out_of_stock, version
		FROM tracked_products ORDER BY id`

	upsertTrackedSQL = `INSERT INTO tracked_products
		(id, native_id, category, price_amount, record, first_seen_at, last_seen_at, was_out_of_stock, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			native_id = EXCLUDED.native_id,
			category = EXCLUDED.category,
			price_amount = EXCLUDED.price_amount,
			record = EXCLUDED.record,
			last_seen_at = EXCLUDED.last_seen_at,
			was_out_of_stock = EXCLUDED.was_out_of_stock,
			version = EXCLUDED.version
		WHERE tracked_products.version < EXCLUDED.version`

	deleteTrackedSQL = `DELETE FROM tracked_products WHERE id = ANY($1)`
)

var _ tracker.Persister = (*TrackedRepository)(nil)

// TrackedRepository implements tracker.Persister backed by PostgreSQL.
// Writes carrying a version not newer than the stored one are ignored.
type TrackedRepository struct {
	pool *pgxpool.Pool
}

// NewTrackedRepository returns a TrackedRepository that uses the given pool.
func NewTrackedRepository(pool *pgxpool.Pool) *TrackedRepository {
	return &TrackedRepository{pool: pool}
}

// Load returns every persisted state ordered by id.
func (r *TrackedRepository) Load(ctx context.Context) ([]tracker.State, error) {
	rows, err := r.pool.Query(ctx, listTrackedSQL)
	if err != nil {
		return nil, fmt.Errorf("listing tracked products: %w", err)
	}
	states, err := pgx.CollectRows(rows, scanState)
	if err != nil {
		return nil, fmt.Errorf("scanning tracked products: %w", err)
	}
	return states, nil
}

// Save upserts st unless a newer version is already stored.
func (r *TrackedRepository) Save(ctx context.Context, st tracker.State) error {
	raw, err := EncodeRecord(st.Record)
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", st.Record.ID, err)
	}
	_, err = r.pool.Exec(ctx, upsertTrackedSQL,
		st.Record.ID, st.Record.NativeID, string(st.Record.Category), st.Record.Amount, raw,
		st.FirstSeenAt, st.LastSeenAt, st.WasOutOfStock, st.Version,
	)
	if err != nil {
		return fmt.Errorf("saving tracked product %q: %w", st.Record.ID, err)
	}
	return nil
}

// Delete removes the given ids.
func (r *TrackedRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, deleteTrackedSQL, ids); err != nil {
		return fmt.Errorf("deleting %d tracked products: %w", len(ids), err)
	}
	return nil
}

func scanState(row pgx.CollectableRow) (tracker.State, error) {
	var (
		st     tracker.State
		raw    []byte
		amount decimal.NullDecimal
	)
	if err := row.Scan(&raw, &amount, &st.FirstSeenAt, &st.LastSeenAt, &st.WasOutOfStock, &st.Version); err != nil {
		return st, err
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return st, err
	}
	rec.Amount = amount
	st.Record = rec
	return st, nil
}
