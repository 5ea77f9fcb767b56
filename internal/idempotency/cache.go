// Package idempotency implements the Idempotency Cache (spec 4.9) and the
// Payment-Identifier Extractor (spec 4.2) over a shared KV store.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
	"github.com/paystream-labs/x402gateway/internal/kv"
)

const (
	keyPrefix = "x402:idempotency:"
	ttl       = time.Hour
)

// Cache wraps a KV store with the get/put operations of spec 4.9.
type Cache struct {
	store  kv.Store
	logger *zap.Logger
}

// New creates a Cache backed by store.
func New(store kv.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, logger: logger}
}

func key(paymentID string) string { return keyPrefix + paymentID }

// Get returns the stored record for paymentID, if present and unexpired. Store errors fail
// open (nil, nil) per the teacher's read-failure policy.
func (c *Cache) Get(ctx context.Context, paymentID string) (*gateway.IdempotencyRecord, error) {
	raw, ok, err := c.store.Get(ctx, key(paymentID))
	if err != nil {
		c.logger.Warn("idempotency lookup store error, treating as absent", zap.String("paymentId", paymentID), zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	var rec gateway.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// Put writes a record for paymentID unconditionally (P3). Store errors are logged and
// ignored — they only widen the window for the next retry to re-settle, which the chain
// itself rejects via its own nonce storage.
func (c *Cache) Put(ctx context.Context, paymentID string, response gateway.IdempotentResponse, nowMs int64) {
	rec := gateway.IdempotencyRecord{TimestampMs: nowMs, Response: response}
	value, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("marshal idempotency record", zap.String("paymentId", paymentID), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key(paymentID), value, ttl); err != nil {
		c.logger.Error("idempotency put store error, ignoring", zap.String("paymentId", paymentID), zap.Error(err))
	}
}

