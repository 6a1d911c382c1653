package models

// CatalogEntry is a cached catalog response keyed by request path and query.
type CatalogEntry struct {
	Key         string `db:"cache_key" json:"key"`
	StatusCode  int    `db:"status_code" json:"statusCode"`
	ContentType string `db:"content_type" json:"contentType"`
	Body        []byte `db:"body" json:"-"`
	StoredAt    int64  `db:"stored_at" json:"storedAt"`
}
