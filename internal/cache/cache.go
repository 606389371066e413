// Package cache provides the TTL key/JSON cache used to skip recomputation
// of memory and unified search results.
//
// The cache is an optimization only. Callers check Healthy before using it
// and treat every Get or Set error as a miss, so an unavailable cache
// changes latency, never results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache closed")

// Cache stores JSON-serializable values under string keys with a TTL.
type Cache interface {
	// Get decodes the value stored at key into dst. It reports false when
	// the key is absent or expired.
	Get(ctx context.Context, key string, dst any) (bool, error)

	// Set stores value at key for ttl. The last writer wins.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Healthy performs a real round trip against the store.
	Healthy(ctx context.Context) bool
}

// record is the stored envelope. ExpiresAt is checked on every read so a
// value is never returned past its deadline, even if the store has not
// evicted it yet.
type record struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Key derives a stable cache key: namespace + ":" + the first 24 hex
// characters of the SHA-256 of parts' JSON encoding.
func Key(namespace string, parts any) (string, error) {
	raw, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode cache key parts: %w", err)
	}
	sum := sha256.Sum256(raw)
	return namespace + ":" + hex.EncodeToString(sum[:])[:24], nil
}

// Disabled is a Cache that never stores anything and always reports
// unhealthy.
type Disabled struct{}

func (Disabled) Get(context.Context, string, any) (bool, error)          { return false, nil }
func (Disabled) Set(context.Context, string, any, time.Duration) error { return nil }
func (Disabled) Healthy(context.Context) bool                          { return false }
