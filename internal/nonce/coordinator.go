// Package nonce implements the Nonce Coordinator (spec 4.8): pending-claim (CAS+TTL),
// confirm, and release over a shared KV store.
package nonce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
	"github.com/paystream-labs/x402gateway/internal/kv"
)

const (
	keyPrefix    = "x402:nonce:"
	pendingTTL   = time.Hour
	confirmedTTL = 7 * 24 * time.Hour
)

// Coordinator owns the nonce lifecycle: pending -> confirmed, or released on failure.
type Coordinator struct {
	store  kv.Store
	logger *zap.Logger
}

// New creates a Coordinator backed by store. logger may be nil, in which case a no-op
// logger is used.
func New(store kv.Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, logger: logger}
}

// Claim atomically claims identifier for settlement (I2). identifier is the value a
// ChainAdapter.DeriveNonceKey returned; the coordinator owns the KV key namespacing on top
// of it. A true return is the unique license to settle; the caller must call Confirm or
// Release exactly once afterward.
func (c *Coordinator) Claim(ctx context.Context, identifier string, record gateway.NonceRecord) (bool, error) {
	record.Status = gateway.NonceStatusPending
	value, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal nonce record: %w", err)
	}
	ok, err := c.store.SetNX(ctx, keyPrefix+identifier, value, pendingTTL)
	if err != nil {
		// Fail closed: a store outage must not allow a double-spend.
		c.logger.Error("nonce claim store error, failing closed", zap.String("key", identifier), zap.Error(err))
		return false, nil
	}
	return ok, nil
}

// Confirm unconditionally promotes a pending claim to confirmed with the long TTL (I1).
func (c *Coordinator) Confirm(ctx context.Context, identifier string, record gateway.NonceRecord) {
	record.Status = gateway.NonceStatusConfirmed
	value, err := json.Marshal(record)
	if err != nil {
		c.logger.Error("marshal confirmed nonce record", zap.String("key", identifier), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, keyPrefix+identifier, value, confirmedTTL); err != nil {
		c.logger.Error("confirm nonce store error, ignoring", zap.String("key", identifier), zap.Error(err))
	}
}

// Release unconditionally deletes a claim, called exactly once when settlement raises (P5).
func (c *Coordinator) Release(ctx context.Context, identifier string) {
	if err := c.store.Delete(ctx, keyPrefix+identifier); err != nil {
		c.logger.Error("release nonce store error", zap.String("key", identifier), zap.Error(err))
	}
}

// Lookup returns the current record for identifier, failing open (nil, no error) on store
// errors or absence — the on-chain/facilitator layer remains the ultimate authority on replay.
func (c *Coordinator) Lookup(ctx context.Context, identifier string) (*gateway.NonceRecord, error) {
	raw, ok, err := c.store.Get(ctx, keyPrefix+identifier)
	if err != nil {
		c.logger.Warn("nonce lookup store error, treating as absent", zap.String("key", identifier), zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	var rec gateway.NonceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}
