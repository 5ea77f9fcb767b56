// Package kv defines the storage abstraction the nonce coordinator and idempotency cache are
// built on: SET-if-absent (compare-and-set) with TTL, GET, DEL. A real deployment backs this
// with Redis or another shared store; InMemoryStore is the single-process reference
// implementation used in tests and standalone deployments.
package kv

import (
	"context"
	"time"
)

// Store is the KV backend contract named in spec section 1 as an external collaborator.
type Store interface {
	// Get returns the stored value and true if present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetNX sets key to value only if no unexpired entry already exists for it, with the
	// given TTL. Returns true iff the set happened. This is the sole operation nonce
	// claiming relies on for invariant I2.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Set unconditionally writes key to value with the given TTL, overwriting any
	// existing entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete unconditionally removes key, if present.
	Delete(ctx context.Context, key string) error
}
