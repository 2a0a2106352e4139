// Package idempotency stores the responses of confirmed transfers so a
// client retrying with the same Idempotency-Key gets the first answer back
// instead of moving the money twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL is how long a stored response can be replayed
const DefaultTTL = 24 * time.Hour

var ErrNotFound = errors.New("idempotency: key not found")

// Record is what is kept per key. A record with StatusCode zero is a
// reservation for a request that is still running.
type Record struct {
	RequestHash string `json:"request_hash"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Pending reports whether the original request has not finished yet
func (r *Record) Pending() bool {
	return r.StatusCode == 0
}

// Store is implemented by the Redis and in-memory backends.
type Store interface {
	// Reserve claims key for a new request. When the key is already taken
	// the existing record is returned with reserved false.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (existing *Record, reserved bool, err error)
	// Complete replaces the reservation with the final response.
	Complete(ctx context.Context, key string, record *Record, ttl time.Duration) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

// HashRequest returns the fingerprint stored alongside a key
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
