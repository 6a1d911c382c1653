package db

import (
	"context"
	"time"

	"github.com/kimhsiao/posync/internal/models"
)

// RegisterTrigger records a deferred trigger under tag. Registering an
// existing tag changes nothing and reports created as false.
func (r *Repository) RegisterTrigger(ctx context.Context, tag string, at time.Time) (created bool, err error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deferred_triggers (tag, registered_at) VALUES (?, ?)`,
		tag, at.UnixMilli())
	if err != nil {
		return false, storeError("failed to register deferred trigger", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTriggers returns all outstanding deferred triggers, oldest first.
func (r *Repository) ListTriggers(ctx context.Context) ([]*models.DeferredTrigger, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT tag, registered_at, fired_count, last_fired_at
	FROM deferred_triggers ORDER BY registered_at, tag`)
	if err != nil {
		return nil, storeError("failed to list deferred triggers", err)
	}
	defer rows.Close()

	var triggers []*models.DeferredTrigger
	for rows.Next() {
		var t models.DeferredTrigger
		if err := rows.Scan(&t.Tag, &t.RegisteredAt, &t.FiredCount, &t.LastFiredAt); err != nil {
			return nil, storeError("failed to scan deferred trigger", err)
		}
		triggers = append(triggers, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to list deferred triggers", err)
	}
	return triggers, nil
}

// MarkTriggerFired bumps the fire counter of tag.
func (r *Repository) MarkTriggerFired(ctx context.Context, tag string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deferred_triggers SET fired_count = fired_count + 1, last_fired_at = ? WHERE tag = ?`,
		at.UnixMilli(), tag)
	return storeError("failed to mark deferred trigger", err)
}

// ClearTrigger removes tag. Clearing a missing tag is a no-op.
func (r *Repository) ClearTrigger(ctx context.Context, tag string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM deferred_triggers WHERE tag = ?`, tag)
	return storeError("failed to clear deferred trigger", err)
}
