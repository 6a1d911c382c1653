package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/delivery"
	"github.com/kimhsiao/posync/internal/sync/queue"
)

// maxSaleBody bounds an incoming sale.
const maxSaleBody = 1 << 20

// SourceHeader tells a catalog client whether the answer is live or cached.
const SourceHeader = "X-Posync-Source"

type handler struct {
	deps   Deps
	logger *logging.Logger
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrStoreFull):
		return http.StatusInsufficientStorage
	case apperrors.Is(err, apperrors.ErrInvalid):
		return http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrSyncInProgress):
		return http.StatusConflict
	case apperrors.Is(err, apperrors.ErrDeliveryRejected):
		return http.StatusUnprocessableEntity
	case apperrors.Is(err, apperrors.ErrEnqueueFailed),
		apperrors.Is(err, apperrors.ErrStoreUnavailable),
		apperrors.Is(err, apperrors.ErrCatalogUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorWithCode("request failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"path": c.FullPath(),
		})
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperrors.CodeOf(err)})
}

func readSale(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSaleBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.New(apperrors.ErrInvalid, "sale payload too large")
		}
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read request body", err)
	}
	return body, nil
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "posync",
		"version": h.deps.Version,
	})
}

// enqueue handles POST /api/orders: durably queue a sale for batch send.
func (h *handler) enqueue(c *gin.Context) {
	sale, err := readSale(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	receipt, err := h.deps.Queue.Enqueue(c.Request.Context(), sale, c.GetHeader(delivery.IdempotencyHeader))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, receipt)
}

// checkout handles POST /api/checkout: deliver now or queue.
func (h *handler) checkout(c *gin.Context) {
	sale, err := readSale(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.deps.Checkout.Submit(c.Request.Context(), sale, c.GetHeader(delivery.IdempotencyHeader))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if res.State == syncpkg.CheckoutQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// pending lists the active queue. It is read-only; undecodable rows show
// their decode error instead of being quarantined.
func (h *handler) pending(c *gin.Context) {
	items, err := h.deps.Queue.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": items, "count": len(items)})
}

func (h *handler) quarantined(c *gin.Context) {
	items, err := h.deps.Queue.Quarantined(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": items, "count": len(items)})
}

func (h *handler) order(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	item, err := h.deps.Queue.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id", "code": apperrors.ErrInvalid})
		return 0, false
	}
	return id, true
}

func (h *handler) requeue(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	if err := h.deps.Queue.Requeue(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.deps.Sync.RequestSync()
	c.JSON(http.StatusOK, gin.H{"localId": id, "requeued": true})
}

// triggerSync handles POST /api/sync. It is fire-and-forget and the outcome
// is broadcast, unless ?wait=true asks for the run to finish and be returned.
func (h *handler) triggerSync(c *gin.Context) {
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		run, err := h.deps.Sync.SyncNow(c.Request.Context())
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
		return
	}
	accepted := h.deps.Sync.RequestSync()
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (h *handler) syncStatus(c *gin.Context) {
	active, quarantined, err := h.deps.Queue.Len(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{
		"scheduler":   h.deps.Sync.GetStatus(),
		"pending":     active,
		"quarantined": quarantined,
		"telemetry":   h.deps.Telemetry.Snapshot(),
	}
	tags, err := h.deps.Sync.DeferredTags(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	body["deferredTags"] = tags
	if h.deps.Catalog != nil {
		if n, err := h.deps.Catalog.Len(c.Request.Context()); err == nil {
			body["catalogEntries"] = n
		}
	}
	if h.deps.Engine != nil {
		body["status"] = h.deps.Engine.Status()
		body["syncing"] = h.deps.Engine.IsSyncing()
		if run := h.deps.Engine.LastRun(); run != nil {
			body["lastRun"] = run
		}
		if err := h.deps.Engine.LastError(); err != nil {
			body["lastError"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) connectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected {\"online\": bool}", "code": apperrors.ErrInvalid})
		return
	}
	h.deps.Sync.SetOnlineStatus(*req.Online)
	c.Status(http.StatusNoContent)
}

// catalog proxies GET /api/catalog/<path> through the read-through cache.
func (h *handler) catalog(c *gin.Context) {
	res, err := h.deps.Catalog.Get(c.Request.Context(), c.Param("path"), c.Request.URL.RawQuery)
	if err != nil {
		h.fail(c, err)
		return
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header(SourceHeader, res.Source)
	c.Data(res.StatusCode, contentType, res.Body)
}
