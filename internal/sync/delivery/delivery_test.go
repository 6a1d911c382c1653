package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
)

const sale = `{"items":[{"sku":"A1","qty":2}],"note":"a & b <c>","isOffline":true,"status":"pending","total":9.5}`

func newClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	c := New(Config{
		BaseURL: baseURL,
		Timeout: timeout,
		Logger:  logging.FromZap(zaptest.NewLogger(t)),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDeliver_request(t *testing.T) {
	type captured struct {
		method, path string
		header       http.Header
		body         []byte
	}
	requests := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{r.Method, r.URL.Path, r.Header.Clone(), body}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/api", time.Second)
	res := c.Deliver(context.Background(), "key-1", []byte(sale))

	require.NoError(t, res.Err)
	assert.True(t, res.Delivered())
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	got := <-requests
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/sales/checkout", got.path)
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "key-1", got.header.Get(IdempotencyHeader))

	goldie.New(t).Assert(t, "checkout_body", got.body)
}

// TestDeliver_sessionContinuity verifies cookies set by the order service are
// sent back on checkout.
func TestDeliver_sessionContinuity(t *testing.T) {
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "till-7", Path: "/"})
		case CheckoutPath:
			if c, err := r.Cookie("sid"); err == nil && c.Value == "till-7" {
				sawCookie.Store(true)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, time.Second)
	require.NoError(t, c.Ping(context.Background()))
	res := c.Deliver(context.Background(), "k", []byte(`{}`))

	require.True(t, res.Delivered())
	assert.True(t, sawCookie.Load(), "session cookie should be sent with checkout")
}

func TestDeliver_bearerToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, SessionToken: "s3cret", Logger: logging.Nop()})
	defer c.Close()

	require.True(t, c.Deliver(context.Background(), "k", []byte(`{}`)).Delivered())
	assert.Equal(t, "Bearer s3cret", auth.Load())
}

func TestDeliver_statusClasses(t *testing.T) {
	tests := []struct {
		status int
		class  Class
		code   apperrors.ErrorCode
	}{
		{http.StatusOK, ClassDelivered, ""},
		{http.StatusAccepted, ClassDelivered, ""},
		{http.StatusBadRequest, ClassPermanent, apperrors.ErrDeliveryRejected},
		{http.StatusConflict, ClassPermanent, apperrors.ErrDeliveryRejected},
		{http.StatusUnprocessableEntity, ClassPermanent, apperrors.ErrDeliveryRejected},
		{http.StatusRequestTimeout, ClassTransient, apperrors.ErrDeliveryFailed},
		{http.StatusTooManyRequests, ClassTransient, apperrors.ErrDeliveryFailed},
		{http.StatusInternalServerError, ClassTransient, apperrors.ErrDeliveryFailed},
		{http.StatusServiceUnavailable, ClassTransient, apperrors.ErrDeliveryFailed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			res := newClient(t, srv.URL, time.Second).Deliver(context.Background(), "k", []byte(`{}`))

			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.class, res.Class)
			if tt.code == "" {
				assert.NoError(t, res.Err)
			} else {
				require.Error(t, res.Err)
				assert.Equal(t, tt.code, apperrors.CodeOf(res.Err))
				assert.Contains(t, res.Err.Error(), "nope")
			}
			assert.Equal(t, int32(1), hits.Load(), "delivery must not retry")
		})
	}
}

// TestDeliver_timeout verifies a hung order service fails the attempt
// instead of blocking.
func TestDeliver_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 50*time.Millisecond)

	start := time.Now()
	res := c.Deliver(context.Background(), "k", []byte(`{}`))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ClassTransient, res.Class)
	assert.Equal(t, apperrors.ErrDeliveryTimeout, apperrors.CodeOf(res.Err))
}

func TestDeliver_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := newClient(t, url, time.Second).Deliver(context.Background(), "k", []byte(`{}`))

	assert.Equal(t, ClassTransient, res.Class)
	assert.Zero(t, res.StatusCode)
	assert.Equal(t, apperrors.ErrDeliveryFailed, apperrors.CodeOf(res.Err))
}

func TestDeliver_unsendablePayload(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1", time.Second)

	res := c.Deliver(context.Background(), "k", []byte(`[1,2]`))
	assert.Equal(t, ClassPermanent, res.Class)
	assert.True(t, apperrors.Is(res.Err, apperrors.ErrInvalid))
}

func TestPing(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	c := newClient(t, srv.URL, time.Second)

	assert.NoError(t, c.Ping(context.Background()), "any answer below 500 means reachable")

	status.Store(http.StatusBadGateway)
	assert.Error(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(0, io.ErrUnexpectedEOF))
	assert.Equal(t, ClassTransient, Classify(http.StatusOK, context.DeadlineExceeded))
	assert.Equal(t, ClassDelivered, Classify(http.StatusNoContent, nil))
	assert.Equal(t, ClassTransient, Classify(http.StatusTooEarly, nil))
	assert.Equal(t, ClassPermanent, Classify(http.StatusUnauthorized, nil))
	assert.Equal(t, ClassPermanent, Classify(http.StatusMovedPermanently, nil))
}

func TestNormalize(t *testing.T) {
	out, err := Normalize([]byte(`{"total":1.50,"status":"pending"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"isOffline":false,"status":"completed","total":1.50}`, string(out))

	out, err = Normalize([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `{"isOffline":false,"status":"completed"}`, string(out))

	for _, bad := range []string{`null`, `[]`, `"x"`, `{`} {
		_, err := Normalize([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestClose_twice(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost", Timeout: time.Second, Logger: logging.Nop()})
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestDeliver_oversizedAnswer(t *testing.T) {
	big := make([]byte, 2*maxResponseBody)
	for i := range big {
		big[i] = 'x'
	}

	tests := []struct {
		name   string
		status int
		class  Class
		code   apperrors.ErrorCode
	}{
		{"accepted", http.StatusCreated, ClassDelivered, ""},
		{"rejected", http.StatusBadRequest, ClassPermanent, apperrors.ErrDeliveryRejected},
		{"server error", http.StatusBadGateway, ClassTransient, apperrors.ErrDeliveryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				w.Write(big)
			}))
			defer srv.Close()

			res := newClient(t, srv.URL, 2*time.Second).Deliver(context.Background(), "key-big", []byte(sale))
			assert.Equal(t, int32(1), hits.Load())
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.class, res.Class)
			if tt.code == "" {
				assert.NoError(t, res.Err)
				assert.True(t, res.Delivered())
			} else {
				require.Error(t, res.Err)
				assert.Equal(t, tt.code, apperrors.CodeOf(res.Err))
			}
		})
	}
}
