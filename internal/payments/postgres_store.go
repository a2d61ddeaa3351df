package payments

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists topups in the topups table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed topup store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, t *Topup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topups (id, buyer_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.BuyerID, t.Amount, t.Currency, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Topup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, amount, currency, status, created_at, updated_at
		FROM topups WHERE id = $1`, id)
	return scanTopup(row)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status TopupStatus) (*Topup, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE topups SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, buyer_id, amount, currency, status, created_at, updated_at`,
		id, status,
	)
	return scanTopup(row)
}

func (s *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Topup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_id, amount, currency, status, created_at, updated_at
		FROM topups WHERE buyer_id = $1
		ORDER BY created_at DESC LIMIT $2`, buyerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Topup
	for rows.Next() {
		t, err := scanTopup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopup(row rowScanner) (*Topup, error) {
	var t Topup
	err := row.Scan(&t.ID, &t.BuyerID, &t.Amount, &t.Currency, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
