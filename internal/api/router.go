// Package api is the till daemon's local HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/posync/internal/catalog"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/sync/scheduler"
	"github.com/kimhsiao/posync/internal/telemetry"
)

// OrderQueue is the queue as the HTTP surface uses it.
type OrderQueue interface {
	Enqueue(ctx context.Context, sale []byte, key string) (*queue.Receipt, error)
	List(ctx context.Context) ([]*queue.Item, error)
	Get(ctx context.Context, localID int64) (*queue.Item, error)
	Quarantined(ctx context.Context) ([]*queue.Item, error)
	Requeue(ctx context.Context, localID int64) error
	Len(ctx context.Context) (active, quarantined int, err error)
}

// CheckoutSubmitter is the live checkout path.
type CheckoutSubmitter interface {
	Submit(ctx context.Context, sale []byte, key string) (*syncpkg.CheckoutResult, error)
}

// SyncController accepts trigger and connectivity requests.
type SyncController interface {
	RequestSync() bool
	SetOnlineStatus(online bool)
	GetStatus() scheduler.Status
	SyncNow(ctx context.Context) (*syncpkg.RunResult, error)
	DeferredTags(ctx context.Context) ([]string, error)
}

// CatalogReader serves catalog reads.
type CatalogReader interface {
	Get(ctx context.Context, path, rawQuery string) (*catalog.Response, error)
	Len(ctx context.Context) (int, error)
}

// Deps are the components behind the routes. Catalog and WebSocket may be nil.
type Deps struct {
	Queue     OrderQueue
	Checkout  CheckoutSubmitter
	Sync      SyncController
	Engine    syncpkg.StatusReporter
	Catalog   CatalogReader
	Telemetry *telemetry.Collector
	WebSocket http.Handler
	Logger    *logging.Logger
	Version   string
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.Get()
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.New()
	}

	e := gin.New()
	e.Use(gin.Recovery(), requestLogger(d.Logger))

	h := &handler{deps: d, logger: d.Logger}

	api := e.Group("/api")
	api.GET("/health", h.health)
	api.POST("/orders", h.enqueue)
	api.GET("/orders/pending", h.pending)
	api.GET("/orders/quarantined", h.quarantined)
	api.GET("/orders/:id", h.order)
	api.POST("/orders/:id/requeue", h.requeue)
	api.POST("/checkout", h.checkout)
	api.POST("/sync", h.triggerSync)
	api.GET("/sync/status", h.syncStatus)
	api.POST("/connectivity", h.connectivity)
	if d.Catalog != nil {
		api.GET("/catalog/*path", h.catalog)
	}
	if d.WebSocket != nil {
		e.GET("/ws", gin.WrapH(d.WebSocket))
	}
	return e
}

// requestLogger logs one line per request.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
