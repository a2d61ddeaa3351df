package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kasoahq/kasoa/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Orders live in one row;
// tracking events append to a separate table in the same transaction as the
// status swap, so history and status can never diverge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, buyer_id, seller_id, total, commission_bps, international, payment_method, payment_status, current_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.OrderNumber, o.BuyerID, o.SellerID, o.Total, o.CommissionBps, o.International,
		string(o.PaymentMethod), string(o.PaymentStatus), string(o.CurrentStatus), o.CreatedAt, o.UpdatedAt); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, ev := range o.Tracking {
		if err := insertTrackingTx(ctx, tx, o.ID, &ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var method, payStatus, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, order_number, buyer_id, seller_id, total, commission_bps, international, payment_method, payment_status, current_status, created_at, updated_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID, &o.Total, &o.CommissionBps,
		&o.International, &method, &payStatus, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PaymentMethod = PaymentMethod(method)
	o.PaymentStatus = PaymentStatus(payStatus)
	o.CurrentStatus = Status(status)

	if o.Tracking, err = p.tracking(ctx, id); err != nil {
		return nil, err
	}
	o.refresh()
	return o, nil
}

// UpdateStatus performs the compare-and-swap on current_status and appends
// the tracking event in one transaction. Zero rows affected means another
// writer already moved the order.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, event *TrackingEvent, setPayment PaymentStatus) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if setPayment != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE orders SET current_status = $3, payment_status = $4, updated_at = NOW()
			WHERE id = $1 AND current_status = $2
		`, id, string(from), string(to), string(setPayment))
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE orders SET current_status = $3, updated_at = NOW()
			WHERE id = $1 AND current_status = $2
		`, id, string(from), string(to))
	}
	if err != nil {
		return fmt.Errorf("swap status: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a missing order from a lost race.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStaleOrder
	}

	if err := insertTrackingTx(ctx, tx, id, event); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int, before *pagination.Cursor) ([]*Order, error) {
	return p.listBy(ctx, "seller_id", sellerID, limit, before)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int, before *pagination.Cursor) ([]*Order, error) {
	return p.listBy(ctx, "buyer_id", buyerID, limit, before)
}

func (p *PostgresStore) listBy(ctx context.Context, column, value string, limit int, before *pagination.Cursor) ([]*Order, error) {
	// column is one of two compile-time constants, never user input.
	query := `
		SELECT id, order_number, buyer_id, seller_id, total, commission_bps, international, payment_method, payment_status, current_status, created_at, updated_at
		FROM orders WHERE ` + column + ` = $1`
	args := []interface{}{value}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o := &Order{}
		var method, payStatus, status string
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID, &o.Total, &o.CommissionBps,
			&o.International, &method, &payStatus, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.PaymentMethod = PaymentMethod(method)
		o.PaymentStatus = PaymentStatus(payStatus)
		o.CurrentStatus = Status(status)
		o.refresh()
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) tracking(ctx context.Context, orderID string) ([]TrackingEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COALESCE(message, ''), COALESCE(location, ''), actor, actor_role, at
		FROM tracking_events WHERE order_id = $1 ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []TrackingEvent
	for rows.Next() {
		var ev TrackingEvent
		var status string
		if err := rows.Scan(&status, &ev.Message, &ev.Location, &ev.Actor, &ev.ActorRole, &ev.At); err != nil {
			return nil, err
		}
		ev.Status = Status(status)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertTrackingTx(ctx context.Context, tx *sql.Tx, orderID string, ev *TrackingEvent) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tracking_events (order_id, status, message, location, actor, actor_role, at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
	`, orderID, string(ev.Status), ev.Message, ev.Location, ev.Actor, ev.ActorRole, ev.At); err != nil {
		return fmt.Errorf("append tracking event: %w", err)
	}
	return nil
}
