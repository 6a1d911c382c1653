package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
)

// Repository provides the store operations for all tables.
type Repository struct {
	db *sql.DB

	// Prepared statements for the flush hot path, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use theirs and close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Pending order operations
// =====================================================

const pendingOrderColumns = `local_id, idempotency_key, payload, created_at, attempts,
	last_status, last_error, last_attempt_at, quarantined_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingOrder(row rowScanner) (*models.PendingOrder, error) {
	var order models.PendingOrder
	var payload string
	err := row.Scan(
		&order.LocalID, &order.IdempotencyKey, &payload, &order.CreatedAt, &order.Attempts,
		&order.LastStatus, &order.LastError, &order.LastAttemptAt, &order.QuarantinedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Payload = []byte(payload)
	return &order, nil
}

// EnqueuePendingOrder inserts order in a single transaction and fills in its
// LocalID. CreatedAt is raised to the newest stored created_at if the clock
// has stepped backwards, so created_at order always matches local_id order.
//
// If a row with the same idempotency key already exists, order is overwritten
// with that row, nothing is inserted and duplicate is true.
func (r *Repository) EnqueuePendingOrder(ctx context.Context, order *models.PendingOrder) (duplicate bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeError("failed to begin enqueue", err)
	}
	defer tx.Rollback()

	existing, err := scanPendingOrder(tx.QueryRowContext(ctx,
		`SELECT `+pendingOrderColumns+` FROM pending_orders WHERE idempotency_key = ?`,
		order.IdempotencyKey))
	switch {
	case err == nil:
		*order = *existing
		return true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, storeError("failed to check idempotency key", err)
	}

	var newest int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM pending_orders`).Scan(&newest); err != nil {
		return false, storeError("failed to read queue head", err)
	}
	if order.CreatedAt < newest {
		order.CreatedAt = newest
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO pending_orders (idempotency_key, payload, created_at) VALUES (?, ?, ?)`,
		order.IdempotencyKey, string(order.Payload), order.CreatedAt)
	if err != nil {
		return false, storeError("failed to insert pending order", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, storeError("failed to read local id", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeError("failed to commit pending order", err)
	}

	order.LocalID = id
	order.Attempts = 0
	order.LastStatus = 0
	order.LastError = ""
	order.LastAttemptAt = 0
	order.QuarantinedAt = 0
	return false, nil
}

// GetPendingOrder retrieves a pending order by local id.
func (r *Repository) GetPendingOrder(ctx context.Context, localID int64) (*models.PendingOrder, error) {
	order, err := scanPendingOrder(r.db.QueryRowContext(ctx,
		`SELECT `+pendingOrderColumns+` FROM pending_orders WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("pending order %d not found", localID))
	}
	if err != nil {
		return nil, storeError("failed to read pending order", err)
	}
	return order, nil
}

// ListPendingOrders returns every non-quarantined order in delivery order.
// The whole result is read before returning, so callers iterate a snapshot.
func (r *Repository) ListPendingOrders(ctx context.Context) ([]*models.PendingOrder, error) {
	return r.listOrders(ctx, `SELECT `+pendingOrderColumns+` FROM pending_orders
		WHERE quarantined_at = 0 ORDER BY created_at, local_id`)
}

// ListQuarantinedOrders returns orders parked after repeated rejections.
func (r *Repository) ListQuarantinedOrders(ctx context.Context) ([]*models.PendingOrder, error) {
	return r.listOrders(ctx, `SELECT `+pendingOrderColumns+` FROM pending_orders
		WHERE quarantined_at != 0 ORDER BY created_at, local_id`)
}

func (r *Repository) listOrders(ctx context.Context, query string) ([]*models.PendingOrder, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, storeError("failed to list pending orders", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, storeError("failed to list pending orders", err)
	}
	defer rows.Close()

	var orders []*models.PendingOrder
	for rows.Next() {
		order, err := scanPendingOrder(rows)
		if err != nil {
			return nil, storeError("failed to scan pending order", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list pending orders", err)
	}
	return orders, nil
}

// RemovePendingOrder deletes an acknowledged order. Removing an id that is
// already gone is not an error.
func (r *Repository) RemovePendingOrder(ctx context.Context, localID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE local_id = ?`, localID)
	return storeError("failed to remove pending order", err)
}

// RecordDeliveryFailure stores the outcome of a failed delivery. Permanent
// rejections also increment attempts. It returns the attempts count after
// the update.
func (r *Repository) RecordDeliveryFailure(ctx context.Context, localID int64, status int, message string, permanent bool, at time.Time) (int, error) {
	inc := 0
	if permanent {
		inc = 1
	}
	var attempts int
	err := r.db.QueryRowContext(ctx, `
	UPDATE pending_orders
	SET attempts = attempts + ?, last_status = ?, last_error = ?, last_attempt_at = ?
	WHERE local_id = ?
	RETURNING attempts`,
		inc, status, message, at.UnixMilli(), localID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("pending order %d not found", localID))
	}
	if err != nil {
		return 0, storeError("failed to record delivery failure", err)
	}
	return attempts, nil
}

// QuarantinePendingOrder parks an order so flushes skip it. The row is kept.
func (r *Repository) QuarantinePendingOrder(ctx context.Context, localID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pending_orders SET quarantined_at = ? WHERE local_id = ? AND quarantined_at = 0`,
		at.UnixMilli(), localID)
	if err != nil {
		return storeError("failed to quarantine pending order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("active pending order %d not found", localID))
	}
	return nil
}

// RequeuePendingOrder returns a quarantined order to the flush queue with a
// fresh rejection budget. Its place in the queue is unchanged.
func (r *Repository) RequeuePendingOrder(ctx context.Context, localID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pending_orders SET quarantined_at = 0, attempts = 0 WHERE local_id = ? AND quarantined_at != 0`,
		localID)
	if err != nil {
		return storeError("failed to requeue pending order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("quarantined order %d not found", localID))
	}
	return nil
}

// CountPendingOrders returns the number of active and quarantined orders.
func (r *Repository) CountPendingOrders(ctx context.Context) (active, quarantined int, err error) {
	err = r.db.QueryRowContext(ctx, `
	SELECT COALESCE(SUM(quarantined_at = 0), 0), COALESCE(SUM(quarantined_at != 0), 0)
	FROM pending_orders`).Scan(&active, &quarantined)
	if err != nil {
		return 0, 0, storeError("failed to count pending orders", err)
	}
	return active, quarantined, nil
}
