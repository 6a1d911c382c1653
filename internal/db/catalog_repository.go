package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kimhsiao/posync/internal/models"
)

// PutCatalogEntry stores or replaces a cached catalog response.
func (r *Repository) PutCatalogEntry(ctx context.Context, entry *models.CatalogEntry) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO catalog_cache (cache_key, status_code, content_type, body, stored_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(cache_key) DO UPDATE SET
		status_code = excluded.status_code,
		content_type = excluded.content_type,
		body = excluded.body,
		stored_at = excluded.stored_at`,
		entry.Key, entry.StatusCode, entry.ContentType, entry.Body, entry.StoredAt)
	return storeError("failed to store catalog entry", err)
}

// GetCatalogEntry returns the cached entry for key, or nil when there is none.
func (r *Repository) GetCatalogEntry(ctx context.Context, key string) (*models.CatalogEntry, error) {
	var entry models.CatalogEntry
	err := r.db.QueryRowContext(ctx, `
	SELECT cache_key, status_code, content_type, body, stored_at
	FROM catalog_cache WHERE cache_key = ?`, key).Scan(
		&entry.Key, &entry.StatusCode, &entry.ContentType, &entry.Body, &entry.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("failed to read catalog entry", err)
	}
	return &entry, nil
}

// EvictCatalogEntries deletes entries stored before olderThan (unix ms) and
// then the oldest entries beyond maxEntries. It returns how many rows went.
func (r *Repository) EvictCatalogEntries(ctx context.Context, maxEntries int, olderThan int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("failed to begin catalog eviction", err)
	}
	defer tx.Rollback()

	expired, err := tx.ExecContext(ctx, `DELETE FROM catalog_cache WHERE stored_at < ?`, olderThan)
	if err != nil {
		return 0, storeError("failed to evict expired catalog entries", err)
	}
	overflow, err := tx.ExecContext(ctx, `
	DELETE FROM catalog_cache WHERE cache_key IN (
		SELECT cache_key FROM catalog_cache
		ORDER BY stored_at DESC, cache_key
		LIMIT -1 OFFSET ?
	)`, maxEntries)
	if err != nil {
		return 0, storeError("failed to evict catalog overflow", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("failed to commit catalog eviction", err)
	}

	a, _ := expired.RowsAffected()
	b, _ := overflow.RowsAffected()
	return a + b, nil
}

// CountCatalogEntries returns the number of cached catalog responses.
func (r *Repository) CountCatalogEntries(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_cache`).Scan(&n)
	return n, storeError("failed to count catalog entries", err)
}
