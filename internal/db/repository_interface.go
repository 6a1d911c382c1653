package db

import (
	"context"
	"time"

	"github.com/kimhsiao/posync/internal/models"
)

// PendingOrderRepository defines the durable queue operations.
type PendingOrderRepository interface {
	// EnqueuePendingOrder inserts a sale, or returns the existing row for a
	// repeated idempotency key.
	EnqueuePendingOrder(ctx context.Context, order *models.PendingOrder) (duplicate bool, err error)

	// GetPendingOrder retrieves one order by local id.
	GetPendingOrder(ctx context.Context, localID int64) (*models.PendingOrder, error)

	// ListPendingOrders returns active orders in delivery order.
	ListPendingOrders(ctx context.Context) ([]*models.PendingOrder, error)

	// RemovePendingOrder deletes an acknowledged order; idempotent.
	RemovePendingOrder(ctx context.Context, localID int64) error

	RecordDeliveryFailure(ctx context.Context, localID int64, status int, message string, permanent bool, at time.Time) (int, error)
	QuarantinePendingOrder(ctx context.Context, localID int64, at time.Time) error
	ListQuarantinedOrders(ctx context.Context) ([]*models.PendingOrder, error)
	RequeuePendingOrder(ctx context.Context, localID int64) error
	CountPendingOrders(ctx context.Context) (active, quarantined int, err error)
}

// CatalogRepository defines catalog cache persistence.
type CatalogRepository interface {
	PutCatalogEntry(ctx context.Context, entry *models.CatalogEntry) error
	GetCatalogEntry(ctx context.Context, key string) (*models.CatalogEntry, error)
	EvictCatalogEntries(ctx context.Context, maxEntries int, olderThan int64) (int64, error)
	CountCatalogEntries(ctx context.Context) (int, error)
}

// TriggerRepository defines deferred trigger persistence.
type TriggerRepository interface {
	RegisterTrigger(ctx context.Context, tag string, at time.Time) (bool, error)
	ListTriggers(ctx context.Context) ([]*models.DeferredTrigger, error)
	MarkTriggerFired(ctx context.Context, tag string, at time.Time) error
	ClearTrigger(ctx context.Context, tag string) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ PendingOrderRepository = (*Repository)(nil)
	_ CatalogRepository      = (*Repository)(nil)
	_ TriggerRepository      = (*Repository)(nil)
)
