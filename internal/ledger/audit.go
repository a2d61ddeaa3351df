package ledger

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithAuditIP attaches the client IP for audit logging.
func WithAuditIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithAuditRequestID attaches a request ID for audit correlation.
func WithAuditRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// AuditRecord mirrors a ledger entry in the secondary audit trail, plus
// actor attribution. Answers "who changed what, when, and why" independently
// of the primary ledger.
type AuditRecord struct {
	ID            int64     `json:"id"`
	AccountKey    string    `json:"accountKey"`
	ActorType     string    `json:"actorType"`
	ActorID       string    `json:"actorId,omitempty"`
	Operation     string    `json:"operation"`
	Amount        int64     `json:"amount"`
	Reference     string    `json:"reference,omitempty"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	RequestID     string    `json:"requestId,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditLogger persists audit records. Callers treat failures as non-fatal:
// a failed Record is logged as a warning, never propagated.
type AuditLogger interface {
	Record(ctx context.Context, rec *AuditRecord) error
	Query(ctx context.Context, accountKey string, from, to time.Time, operation string, limit int) ([]*AuditRecord, error)
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit records to PostgreSQL. Records sharing a
// reference are deduplicated so replayed mutations do not double-log.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

func (l *PostgresAuditLogger) Record(ctx context.Context, rec *AuditRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (account_key, actor_type, actor_id, operation, amount, reference, balance_before, balance_after, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (reference) WHERE reference IS NOT NULL DO NOTHING
	`, rec.AccountKey, rec.ActorType, rec.ActorID, rec.Operation, rec.Amount, rec.Reference,
		rec.BalanceBefore, rec.BalanceAfter, rec.RequestID, rec.IPAddress, rec.Description)
	return err
}

func (l *PostgresAuditLogger) Query(ctx context.Context, accountKey string, from, to time.Time, operation string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now()
	}

	var query string
	var args []interface{}

	if operation != "" {
		query = `SELECT id, account_key, actor_type, COALESCE(actor_id, ''), operation,
			amount, COALESCE(reference, ''), balance_before, balance_after,
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
			FROM audit_log WHERE account_key = $1 AND created_at >= $2 AND created_at <= $3 AND operation = $4
			ORDER BY created_at DESC LIMIT $5`
		args = []interface{}{accountKey, from, to, operation, limit}
	} else {
		query = `SELECT id, account_key, actor_type, COALESCE(actor_id, ''), operation,
			amount, COALESCE(reference, ''), balance_before, balance_after,
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
			FROM audit_log WHERE account_key = $1 AND created_at >= $2 AND created_at <= $3
			ORDER BY created_at DESC LIMIT $4`
		args = []interface{}{accountKey, from, to, limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAuditRows(rows)
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores audit records in memory for demo/testing.
type MemoryAuditLogger struct {
	records []*AuditRecord
	byRef   map[string]bool
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{byRef: make(map[string]bool)}
}

func (l *MemoryAuditLogger) Record(_ context.Context, rec *AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Reference != "" {
		if l.byRef[rec.Reference] {
			return nil
		}
		l.byRef[rec.Reference] = true
	}

	l.nextID++
	cp := *rec
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.records = append(l.records, &cp)
	return nil
}

func (l *MemoryAuditLogger) Query(_ context.Context, accountKey string, from, to time.Time, operation string, limit int) ([]*AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*AuditRecord
	// Iterate in reverse for descending order
	for i := len(l.records) - 1; i >= 0 && len(result) < limit; i-- {
		r := l.records[i]
		if r.AccountKey != accountKey {
			continue
		}
		if !from.IsZero() && r.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && r.CreatedAt.After(to) {
			continue
		}
		if operation != "" && r.Operation != operation {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

// Records returns all stored audit records (for testing).
func (l *MemoryAuditLogger) Records() []*AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*AuditRecord, len(l.records))
	copy(result, l.records)
	return result
}

func scanAuditRows(rows *sql.Rows) ([]*AuditRecord, error) {
	var records []*AuditRecord
	for rows.Next() {
		r := &AuditRecord{}
		if err := rows.Scan(&r.ID, &r.AccountKey, &r.ActorType, &r.ActorID, &r.Operation,
			&r.Amount, &r.Reference, &r.BalanceBefore, &r.BalanceAfter,
			&r.RequestID, &r.IPAddress, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
