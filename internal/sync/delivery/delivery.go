// Package delivery sends one queued sale to the order service and classifies
// the outcome. It never retries; retrying is the sync engine's job across runs.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"resty.dev/v3"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
)

// CheckoutPath is the order service endpoint that accepts a sale.
const CheckoutPath = "/sales/checkout"

// IdempotencyHeader carries the sale's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// maxResponseBody bounds how much of an answer is read.
const maxResponseBody = 1 << 20

// Class is the outcome class of one delivery.
type Class string

const (
	ClassDelivered Class = "delivered"
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Result describes one delivery attempt.
type Result struct {
	StatusCode int
	Class      Class
	Err        error
	Duration   time.Duration
}

// Delivered reports whether the order service accepted the sale.
func (r Result) Delivered() bool {
	return r.Class == ClassDelivered
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	SessionToken string
	HealthPath   string
	Logger       *logging.Logger
}

// Client talks to the order service. One Client is shared by delivery, the
// connectivity prober and the catalog cache so they share one cookie jar.
type Client struct {
	rc         *resty.Client
	healthPath string
	logger     *logging.Logger
	closeOnce  sync.Once
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	jar, _ := cookiejar.New(nil)
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetCookieJar(jar).
		SetRetryCount(0).
		SetLogger(restyLogger{cfg.Logger}).
		SetHeader("Accept", "application/json")
	if cfg.SessionToken != "" {
		rc.SetAuthToken(cfg.SessionToken)
	}

	return &Client{
		rc:         rc,
		healthPath: cfg.HealthPath,
		logger:     cfg.Logger,
	}
}

// Resty exposes the shared resty client.
func (c *Client) Resty() *resty.Client {
	return c.rc
}

// Close releases the client. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.rc.Close() })
	return err
}

// Deliver posts one sale to the checkout endpoint.
func (c *Client) Deliver(ctx context.Context, key string, payload []byte) Result {
	start := time.Now()

	body, err := Normalize(payload)
	if err != nil {
		// An unsendable payload will never become sendable.
		return Result{Class: ClassPermanent, Err: err, Duration: time.Since(start)}
	}

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(IdempotencyHeader, key).
		SetResponseBodyLimit(maxResponseBody).
		SetBody(body).
		Post(CheckoutPath)

	res := Result{Duration: time.Since(start)}
	if resp != nil {
		res.StatusCode = resp.StatusCode()
	}
	if err != nil && res.StatusCode != 0 {
		// The status line arrived and decides the outcome; only reading the
		// answer body failed. A 2xx here means the sale was accepted.
		c.logger.Warn("order service answer body unreadable", map[string]interface{}{
			"idempotency_key": key,
			"status":          res.StatusCode,
			"error":           err.Error(),
		})
		err = nil
	}
	res.Class = Classify(res.StatusCode, err)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		res.Err = apperrors.Wrap(apperrors.ErrDeliveryTimeout, "order service did not answer in time", err)
	case err != nil:
		res.Err = apperrors.Wrap(apperrors.ErrDeliveryFailed, "order service unreachable", err)
	case res.Class == ClassPermanent:
		res.Err = apperrors.New(apperrors.ErrDeliveryRejected, answer(resp))
	case res.Class == ClassTransient:
		res.Err = apperrors.New(apperrors.ErrDeliveryFailed, answer(resp))
	}

	c.logger.Debug("delivery attempt", map[string]interface{}{
		"idempotency_key": key,
		"status":          res.StatusCode,
		"class":           string(res.Class),
		"duration_ms":     res.Duration.Milliseconds(),
	})
	return res
}

func answer(resp *resty.Response) string {
	msg := fmt.Sprintf("order service answered %d", resp.StatusCode())
	if body := bytes.TrimSpace(resp.Bytes()); len(body) > 0 {
		if len(body) > 200 {
			body = body[:200]
		}
		msg += ": " + string(body)
	}
	return msg
}

// Ping reports whether the order service is reachable. Any HTTP answer below
// 500 counts, including 401 and 404.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.rc.R().SetContext(ctx).Get(c.healthPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDeliveryFailed, "order service unreachable", err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return apperrors.New(apperrors.ErrDeliveryFailed, fmt.Sprintf("order service unhealthy: %d", resp.StatusCode()))
	}
	return nil
}

// Classify maps a delivery outcome to its class: 2xx is delivered; transport
// errors, 408, 425, 429 and 5xx are transient; every other status is
// permanent.
func Classify(status int, err error) Class {
	if err != nil {
		return ClassTransient
	}
	switch {
	case status >= 200 && status < 300:
		return ClassDelivered
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Normalize marks a stored sale as a completed, now-online checkout. Only
// "status" and "isOffline" are touched; every other value is kept byte for
// byte. Keys come out sorted.
func Normalize(payload []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "stored sale is not a JSON object", err)
	}
	if fields == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "stored sale is not a JSON object")
	}
	fields["status"] = json.RawMessage(`"completed"`)
	fields["isOffline"] = json.RawMessage(`false`)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode sale", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// restyLogger routes resty's own diagnostics into the daemon log.
type restyLogger struct {
	l *logging.Logger
}

func (r restyLogger) Errorf(format string, v ...any) {
	r.l.Error("http client", fmt.Errorf(format, v...))
}

func (r restyLogger) Warnf(format string, v ...any) {
	r.l.Warn("http client: " + fmt.Sprintf(format, v...))
}

func (r restyLogger) Debugf(format string, v ...any) {
	r.l.Debug("http client: " + fmt.Sprintf(format, v...))
}
