package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/uuid"
)

// Item is a decoded pending order.
type Item struct {
	LocalID       int64           `json:"localId"`
	Key           string          `json:"idempotencyKey"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastStatus    int             `json:"lastStatus,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	QuarantinedAt *time.Time      `json:"quarantinedAt,omitempty"`
}

// Encode turns a captured sale into a storable record. The sale must be a
// JSON object; it is compacted but otherwise stored as given. An empty key is
// replaced with a generated one.
func Encode(sale []byte, key string, now time.Time) (*models.PendingOrder, error) {
	payload, err := compactObject(sale)
	if err != nil {
		return nil, err
	}
	key, err = uuid.NormalizeKey(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "bad idempotency key", err)
	}
	return &models.PendingOrder{
		IdempotencyKey: key,
		Payload:        payload,
		CreatedAt:      now.UnixMilli(),
	}, nil
}

// Decode converts a stored record back into an Item.
func Decode(m *models.PendingOrder) (*Item, error) {
	payload, err := compactObject(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("pending order %d: %w", m.LocalID, err)
	}
	item := &Item{
		LocalID:    m.LocalID,
		Key:        m.IdempotencyKey,
		Payload:    payload,
		CreatedAt:  time.UnixMilli(m.CreatedAt),
		Attempts:   m.Attempts,
		LastStatus: m.LastStatus,
		LastError:  m.LastError,
	}
	if m.LastAttemptAt != 0 {
		t := time.UnixMilli(m.LastAttemptAt)
		item.LastAttemptAt = &t
	}
	if m.QuarantinedAt != 0 {
		t := time.UnixMilli(m.QuarantinedAt)
		item.QuarantinedAt = &t
	}
	return item, nil
}

func compactObject(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apperrors.New(apperrors.ErrInvalid, "sale payload must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "sale payload is not valid JSON", err)
	}
	return buf.Bytes(), nil
}
