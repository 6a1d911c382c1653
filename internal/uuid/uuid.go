// Package uuid provides UUID v4 generation and idempotency key handling.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Client supplied keys are opaque but must be safe to put in a header.
var keyRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// MaxKeyLength bounds client supplied idempotency keys.
const MaxKeyLength = 128

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// NewIdempotencyKey returns a fresh key for a sale that arrived without one.
func NewIdempotencyKey() string {
	return New()
}

// NormalizeKey returns the key a sale is stored and delivered under.
// An empty key is replaced with a generated one. UUIDs are lower-cased so the
// same key typed two ways collapses to one row.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return NewIdempotencyKey(), nil
	}
	if IsValid(key) {
		return strings.ToLower(key), nil
	}
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("idempotency key longer than %d characters", MaxKeyLength)
	}
	if !keyRegex.MatchString(key) {
		return "", fmt.Errorf("invalid idempotency key %q", key)
	}
	return key, nil
}
