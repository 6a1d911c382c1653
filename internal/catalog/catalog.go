// Package catalog serves product and category reads network-first from the
// order service, falling back to a bounded local copy when the service
// cannot answer. It is a read path only and never touches the sync engine.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/kimhsiao/posync/internal/db"
	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
)

// Sources of a served response.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
)

const maxBody = 4 << 20

// Response is a catalog answer.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Source      string
	StoredAt    time.Time
}

// Config configures a Cache.
type Config struct {
	Timeout    time.Duration
	MaxAge     time.Duration
	MaxEntries int
	Prefixes   []string
	Logger     *logging.Logger
}

// Cache is the read-through catalog cache.
type Cache struct {
	client *resty.Client
	repo   db.CatalogRepository
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Cache fetching through client.
func New(client *resty.Client, repo db.CatalogRepository, cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 50
	}
	return &Cache{client: client, repo: repo, cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// Allowed reports whether p may be proxied. Dot segments are resolved
// first, so the check sees the same path the order service would.
func (c *Cache) Allowed(p string) bool {
	return c.resolve(p) != ""
}

// resolve returns the cleaned form of p when it falls under a catalog
// prefix, or "" when it must not be forwarded.
func (c *Cache) resolve(p string) string {
	cleaned := cleanPath(p)
	if cleaned == "" {
		return ""
	}
	for _, prefix := range c.cfg.Prefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return cleaned
		}
	}
	return ""
}

// cleanPath resolves dot segments in an absolute path. Relative paths,
// anything still climbing above the root, and characters that would change
// how the upstream URL parses are rejected with "".
func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, "\\?#") {
		return ""
	}
	cleaned := path.Clean(p)
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return ""
		}
	}
	return cleaned
}

// Get fetches p (with rawQuery) from the order service. A 2xx answer is
// stored and returned. Other answers below 500 pass through uncached. When
// the service is unreachable or answers 5xx, a cached copy younger than the
// maximum age is served instead.
func (c *Cache) Get(ctx context.Context, p, rawQuery string) (*Response, error) {
	target := c.resolve(p)
	if target == "" {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s is not a catalog path", p))
	}
	key := target
	if rawQuery != "" {
		key += "?" + rawQuery
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.R().
		SetContext(fetchCtx).
		SetQueryString(rawQuery).
		SetResponseBodyLimit(maxBody).
		Get(target)

	if err == nil && resp.StatusCode() < http.StatusInternalServerError {
		live := &Response{
			StatusCode:  resp.StatusCode(),
			ContentType: resp.Header().Get("Content-Type"),
			Body:        resp.Bytes(),
			Source:      SourceNetwork,
			StoredAt:    c.now(),
		}
		if resp.IsSuccess() {
			c.store(context.WithoutCancel(ctx), key, live)
		}
		return live, nil
	}

	reason := "order service error"
	if err != nil {
		reason = err.Error()
	}

	cached, cacheErr := c.lookup(ctx, key)
	if cacheErr != nil {
		c.logger.Warn("catalog cache read failed", map[string]interface{}{"key": key, "error": cacheErr.Error()})
	}
	if cached != nil {
		c.logger.Info("serving cached catalog", map[string]interface{}{
			"key":    key,
			"reason": reason,
			"age_ms": c.now().Sub(cached.StoredAt).Milliseconds(),
		})
		return cached, nil
	}

	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCatalogUnavailable, "catalog unavailable and not cached", err)
	}
	return &Response{
		StatusCode:  resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        resp.Bytes(),
		Source:      SourceNetwork,
		StoredAt:    c.now(),
	}, nil
}

func (c *Cache) lookup(ctx context.Context, key string) (*Response, error) {
	entry, err := c.repo.GetCatalogEntry(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	stored := time.UnixMilli(entry.StoredAt)
	if c.now().Sub(stored) > c.cfg.MaxAge {
		return nil, nil
	}
	return &Response{
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
		Body:        entry.Body,
		Source:      SourceCache,
		StoredAt:    stored,
	}, nil
}

// store writes the entry and trims the cache. Failures only cost a future
// fallback, so they are logged.
func (c *Cache) store(ctx context.Context, key string, r *Response) {
	err := c.repo.PutCatalogEntry(ctx, &models.CatalogEntry{
		Key:         key,
		StatusCode:  r.StatusCode,
		ContentType: r.ContentType,
		Body:        r.Body,
		StoredAt:    r.StoredAt.UnixMilli(),
	})
	if err != nil {
		c.logger.Warn("failed to cache catalog response", map[string]interface{}{"key": key, "error": err.Error()})
		return
	}
	if _, err := c.Evict(ctx); err != nil {
		c.logger.Warn("catalog eviction failed", map[string]interface{}{"error": err.Error()})
	}
}

// Len returns the number of stored responses.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.repo.CountCatalogEntries(ctx)
}

// Evict drops expired entries and the oldest entries beyond the limit.
func (c *Cache) Evict(ctx context.Context) (int64, error) {
	return c.repo.EvictCatalogEntries(ctx, c.cfg.MaxEntries, c.now().Add(-c.cfg.MaxAge).UnixMilli())
}
