package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kimhsiao/posync/internal/broadcast"
	"github.com/kimhsiao/posync/internal/config"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/delivery"
)

// orderService is a fake order service. While down every endpoint answers
// 503; otherwise checkouts are accepted unless the key is "reject".
type orderService struct {
	down      atomic.Bool
	checkouts atomic.Int32
	srv       *httptest.Server
}

func newOrderService(t *testing.T) *orderService {
	o := &orderService{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case delivery.CheckoutPath:
			if r.Header.Get(delivery.IdempotencyHeader) == "reject" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"error":"invalid sale"}`))
				return
			}
			o.checkouts.Add(1)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newApp(t *testing.T, baseURL string) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.OrderService.BaseURL = baseURL
	cfg.OrderService.Timeout = config.Duration(2 * time.Second)
	cfg.Sync.ProbeInterval = config.Duration(20 * time.Millisecond)
	cfg.Sync.FallbackInterval = 0

	a, err := New(cfg, logging.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func post(t *testing.T, h http.Handler, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(delivery.IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func nextResult(t *testing.T, o *broadcast.ChannelObserver) syncpkg.ResultMessage {
	t.Helper()
	select {
	case msg := <-o.C():
		require.Equal(t, syncpkg.MessageSyncResult, msg.Type)
		var res syncpkg.ResultMessage
		require.NoError(t, json.Unmarshal(msg.Data, &res))
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no sync result broadcast")
		return syncpkg.ResultMessage{}
	}
}

func TestApp_manualSyncPartialFailure(t *testing.T) {
	svc := newOrderService(t)
	a := newApp(t, svc.srv.URL)
	router := a.Router("test")

	a.Scheduler.Start(context.Background())
	require.Eventually(t, a.Scheduler.IsOnline, 2*time.Second, 10*time.Millisecond)

	observer := broadcast.NewChannelObserver(8)
	a.Hub.Register(observer)

	require.Equal(t, http.StatusCreated, post(t, router, "/api/orders", `{"total":1}`, "first").Code)
	require.Equal(t, http.StatusCreated, post(t, router, "/api/orders", `{"total":2}`, "reject").Code)

	require.Equal(t, http.StatusAccepted, post(t, router, "/api/sync", "", "").Code)
	assert.Equal(t, syncpkg.ResultMessage{Success: 1, Failed: 1}, nextResult(t, observer))

	items, err := a.Queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "reject", items[0].Key)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, int32(1), svc.checkouts.Load())
}

func TestApp_deferredTriggerFiresOnReconnect(t *testing.T) {
	svc := newOrderService(t)
	svc.down.Store(true)
	a := newApp(t, svc.srv.URL)
	router := a.Router("test")

	observer := broadcast.NewChannelObserver(8)
	a.Hub.Register(observer)

	a.Scheduler.Start(context.Background())
	require.Eventually(t, func() bool { return a.Scheduler.GetStatus().LastProbeTime != nil }, 2*time.Second, 10*time.Millisecond)
	require.False(t, a.Scheduler.IsOnline())

	// offline: the live checkout falls back to the queue
	w := post(t, router, "/api/checkout", `{"total":3}`, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	tags, err := a.Scheduler.DeferredTags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{config.DefaultDeferredTag}, tags)

	svc.down.Store(false)
	assert.Equal(t, syncpkg.ResultMessage{Success: 1}, nextResult(t, observer))

	require.Eventually(t, func() bool {
		tags, err := a.Scheduler.DeferredTags(context.Background())
		return err == nil && len(tags) == 0
	}, 2*time.Second, 10*time.Millisecond)

	active, quarantined, err := a.Queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, quarantined)
	assert.Equal(t, int32(1), svc.checkouts.Load())
	assert.Equal(t, int64(1), a.Telemetry.Snapshot().Enqueued)
}

func TestApp_reopenKeepsQueue(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	logger := logging.Nop()

	a, err := New(cfg, logger)
	require.NoError(t, err)
	_, err = a.Queue.Enqueue(context.Background(), []byte(`{"total":1}`), "k1")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := New(cfg, logger)
	require.NoError(t, err)
	defer b.Close()
	items, err := b.Queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "k1", items[0].Key)
}
