package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kasoahq/kasoa/internal/idgen"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// PostgresStore implements Store with PostgreSQL.
//
// Concurrency: Apply locks the account row with SELECT ... FOR UPDATE, so
// mutations against one account serialize across processes. Idempotency is
// enforced by a partial unique index on ledger_entries(reference); losing
// that race surfaces as Duplicate, never as an error. CHECK constraints on
// balance and hold back up the in-transaction availability check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, key string) (*Account, error) {
	acc := &Account{Key: key}

	var kind, ownerID string
	err := p.db.QueryRowContext(ctx, `
		SELECT owner_kind, owner_id, balance, hold, created_at, updated_at
		FROM accounts WHERE account_key = $1
	`, key).Scan(&kind, &ownerID, &acc.Balance, &acc.Hold, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	acc.Owner = AccountRef{Kind: OwnerKind(kind), ID: ownerID}
	acc.refresh()
	return acc, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, ref AccountRef) (*Account, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (account_key, owner_kind, owner_id, balance, hold, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW(), NOW())
		ON CONFLICT (account_key) DO NOTHING
	`, ref.Key(), string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return p.GetAccount(ctx, ref.Key())
}

// Apply performs the mutation in a single transaction: row lock, idempotency
// check, availability check, balance update, entry append.
func (p *PostgresStore) Apply(ctx context.Context, mut *Mutation) (*Result, error) {
	ref, ok := ParseKey(mut.AccountKey)
	if !ok {
		return nil, ErrInvalidAccountKey
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if mut.Reference != "" {
		existing, err := findByReferenceTx(ctx, tx, mut.Reference)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			acc, err := p.GetAccount(ctx, existing.AccountKey)
			if err != nil {
				return nil, err
			}
			return &Result{Account: acc, Entry: existing, Duplicate: true}, nil
		}
	}

	acc, err := lockAccountTx(ctx, tx, mut.AccountKey)
	if errors.Is(err, ErrAccountNotFound) {
		// Buyer wallets are created lazily on first credit.
		if ref.Kind != OwnerBuyer || mut.Amount <= 0 {
			return nil, ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (account_key, owner_kind, owner_id, balance, hold, created_at, updated_at)
			VALUES ($1, $2, $3, 0, 0, NOW(), NOW())
			ON CONFLICT (account_key) DO NOTHING
		`, mut.AccountKey, string(ref.Kind), ref.ID); err != nil {
			return nil, fmt.Errorf("create wallet: %w", err)
		}
		acc, err = lockAccountTx(ctx, tx, mut.AccountKey)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if mut.Amount < 0 && acc.Available() < -mut.Amount {
		return nil, ErrInsufficientFunds
	}

	before := acc.Balance
	after := before + mut.Amount

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $2, updated_at = NOW() WHERE account_key = $1
	`, mut.AccountKey, after); err != nil {
		if isPQCode(err, pqCheckViolation) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("update balance: %w", err)
	}

	entry := &Entry{
		ID:            idgen.WithPrefix("led_"),
		AccountKey:    mut.AccountKey,
		Kind:          mut.Kind,
		Amount:        mut.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     mut.Reference,
		RelatedOrder:  mut.RelatedOrder,
		RelatedActor:  mut.RelatedActor,
		Description:   mut.Description,
		Metadata:      mut.Metadata,
		CreatedAt:     time.Now(),
	}

	var meta []byte
	if len(entry.Metadata) > 0 {
		meta, _ = json.Marshal(entry.Metadata)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_key, kind, amount, balance_before, balance_after, reference, related_order, related_actor, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, NOW())
	`, entry.ID, entry.AccountKey, string(entry.Kind), entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.Reference, entry.RelatedOrder, entry.RelatedActor, entry.Description, nullableJSON(meta)); err != nil {
		if isPQCode(err, pqUniqueViolation) {
			// Lost the reference race to a concurrent writer. The other
			// mutation won; report it as the idempotent outcome.
			_ = tx.Rollback()
			existing, ferr := p.FindByReference(ctx, mut.Reference)
			if ferr != nil || existing == nil {
				return nil, fmt.Errorf("record entry: %w", err)
			}
			acc, aerr := p.GetAccount(ctx, existing.AccountKey)
			if aerr != nil {
				return nil, aerr
			}
			return &Result{Account: acc, Entry: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	resAcc := &Account{
		Key:       acc.Key,
		Owner:     acc.Owner,
		Balance:   after,
		Hold:      acc.Hold,
		CreatedAt: acc.CreatedAt,
		UpdatedAt: time.Now(),
	}
	resAcc.refresh()
	return &Result{Account: resAcc, Entry: entry}, nil
}

func (p *PostgresStore) FindByReference(ctx context.Context, reference string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, entrySelect+` WHERE reference = $1`, reference)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) History(ctx context.Context, key string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, entrySelect+`
		WHERE account_key = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) EntriesAsc(ctx context.Context, key string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, entrySelect+`
		WHERE account_key = $1 ORDER BY created_at ASC, id ASC
	`, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) AccountKeys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT account_key FROM accounts ORDER BY account_key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

const entrySelect = `
	SELECT id, account_key, kind, amount, balance_before, balance_after,
		COALESCE(reference, ''), COALESCE(related_order, ''), COALESCE(related_actor, ''),
		COALESCE(description, ''), COALESCE(metadata::TEXT, ''), created_at
	FROM ledger_entries`

func lockAccountTx(ctx context.Context, tx *sql.Tx, key string) (*Account, error) {
	acc := &Account{Key: key}

	var kind, ownerID string
	err := tx.QueryRowContext(ctx, `
		SELECT owner_kind, owner_id, balance, hold, created_at, updated_at
		FROM accounts WHERE account_key = $1 FOR UPDATE
	`, key).Scan(&kind, &ownerID, &acc.Balance, &acc.Hold, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	acc.Owner = AccountRef{Kind: OwnerKind(kind), ID: ownerID}
	acc.refresh()
	return acc, nil
}

func findByReferenceTx(ctx context.Context, tx *sql.Tx, reference string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, entrySelect+` WHERE reference = $1`, reference)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var kind, meta string
	if err := row.Scan(&e.ID, &e.AccountKey, &kind, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.Reference, &e.RelatedOrder, &e.RelatedActor, &e.Description, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &e.Metadata)
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
