package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/uuid"
)

func TestEncode(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)

	order, err := Encode([]byte(`{ "items": [ {"sku":"A1", "qty": 2} ],
		"total": 9.5, "status": "pending" }`), "sale-1", now)
	require.NoError(t, err)

	assert.Equal(t, "sale-1", order.IdempotencyKey)
	assert.Equal(t, int64(1_700_000_000_123), order.CreatedAt)
	// compacted, reserved fields untouched until delivery
	assert.Equal(t, `{"items":[{"sku":"A1","qty":2}],"total":9.5,"status":"pending"}`, string(order.Payload))
	assert.Zero(t, order.LocalID)
}

func TestEncode_generatesKey(t *testing.T) {
	order, err := Encode([]byte(`{}`), "", time.Now())
	require.NoError(t, err)
	assert.True(t, uuid.IsValid(order.IdempotencyKey))
}

func TestEncode_rejects(t *testing.T) {
	tests := []struct {
		name string
		sale string
		key  string
	}{
		{"array", `[1,2]`, ""},
		{"string", `"sale"`, ""},
		{"empty", ``, ""},
		{"broken object", `{"total":`, ""},
		{"trailing data", `{"a":1} {"b":2}`, ""},
		{"bad key", `{}`, "has spaces"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode([]byte(tt.sale), tt.key, time.Now())
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)
		})
	}
}

func TestDecode(t *testing.T) {
	m := &models.PendingOrder{
		LocalID:        3,
		IdempotencyKey: "k",
		Payload:        []byte(`{"total":1}`),
		CreatedAt:      1000,
		Attempts:       2,
		LastStatus:     422,
		LastError:      "rejected",
		LastAttemptAt:  2000,
	}

	item, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.LocalID)
	assert.Equal(t, "k", item.Key)
	assert.JSONEq(t, `{"total":1}`, string(item.Payload))
	assert.True(t, item.CreatedAt.Equal(time.UnixMilli(1000)))
	require.NotNil(t, item.LastAttemptAt)
	assert.True(t, item.LastAttemptAt.Equal(time.UnixMilli(2000)))
	assert.Nil(t, item.QuarantinedAt)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, 422, item.LastStatus)
	assert.Equal(t, "rejected", item.LastError)
}

func TestDecode_notAnObject(t *testing.T) {
	_, err := Decode(&models.PendingOrder{LocalID: 9, Payload: []byte(`[1]`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending order 9")
}
