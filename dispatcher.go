package gateway

import "context"

// VerifyResult is the outcome of a ChainAdapter.Verify call.
type VerifyResult struct {
	Valid         bool
	InvalidReason string
	Payer         string
}

// ChainAdapter is the narrow capability set a settlement path must expose. The dispatcher
// is a pure selector over NetworkDescriptor; it never embeds chain-specific logic itself.
type ChainAdapter interface {
	// Verify checks a payment payload against a route's requirements without mutating
	// any state (no nonce claim, no on-chain write).
	Verify(ctx context.Context, payload PaymentPayload, route RouteDescriptor, network NetworkDescriptor) (VerifyResult, error)

	// Settle submits the payment (on-chain, or delegated to an external facilitator) and
	// returns a settlement receipt. Callers must hold a nonce claim (if DeriveNonceKey
	// returns non-empty) before calling Settle.
	Settle(ctx context.Context, payload PaymentPayload, route RouteDescriptor, network NetworkDescriptor) (SettlementReceipt, error)

	// DeriveNonceKey returns the KV key used for replay protection, or "" if this path
	// delegates replay protection to an external system (EVM-facilitator).
	DeriveNonceKey(payload PaymentPayload) (string, error)
}

// Dispatch selects the ChainAdapter for a network descriptor (spec 4.4).
func Dispatch(network NetworkDescriptor, adapters Adapters) (ChainAdapter, error) {
	switch network.VM {
	case VMSvm:
		if adapters.SVMFacilitator == nil {
			return nil, NewGatewayError(ErrConfigError, "no SVM facilitator adapter configured", nil)
		}
		return adapters.SVMFacilitator, nil
	case VMEvm:
		if network.Facilitator != nil {
			if adapters.EVMFacilitator == nil {
				return nil, NewGatewayError(ErrConfigError, "no EVM facilitator adapter configured", nil)
			}
			return adapters.EVMFacilitator, nil
		}
		if adapters.EVMLocal == nil {
			return nil, NewGatewayError(ErrConfigError, "no EVM-local adapter configured", nil)
		}
		return adapters.EVMLocal, nil
	default:
		return nil, NewGatewayError(ErrUnsupportedNetwork, "unknown VM family: "+string(network.VM), nil)
	}
}

// Adapters bundles the three ChainAdapter implementations the dispatcher chooses between.
type Adapters struct {
	EVMLocal       ChainAdapter
	EVMFacilitator ChainAdapter
	SVMFacilitator ChainAdapter
}
