// Package config builds the gateway's network and route registries once at startup from
// environment variables, replacing the teacher's lazy module-level "active networks" proxy
// with an explicit function invoked exactly once (per the redesign note in spec section 9).
package config

import (
	"fmt"
	"math/big"

	"github.com/go-playground/validator/v10"

	gateway "github.com/paystream-labs/x402gateway"
)

// Getenv matches os.Getenv's signature so tests can inject a fake environment.
type Getenv func(string) string

// NetworkSpec declares one network the gateway knows how to configure. The network table
// itself is a Go literal (network identifiers and token addresses are not secrets), while
// per-deployment RPC URLs, facilitator API keys, and private keys come from the environment.
type NetworkSpec struct {
	NetworkID     string
	VM            gateway.VM
	ChainID       int64 // 0 for SVM
	RPCEnvVar     string // empty for EVM-facilitator/SVM networks that don't need a local RPC
	TokenAddress  string
	TokenName     string
	TokenVersion  string
	TokenDecimals int
	// FacilitatorURLEnv/FacilitatorAPIKeyEnv/FacilitatorContract configure the
	// EVM-facilitator path; leave all empty for EVM-local or SVM networks.
	FacilitatorURLEnv       string
	FacilitatorAPIKeyEnv    string
	FacilitatorContractAddr string
	FacilitatorNetworkAlias string
}

var validate = validator.New()

// BuildNetworkRegistry resolves every NetworkSpec into a NetworkDescriptor, including only
// networks with their required credentials present in the environment: EVM-local networks
// need RPCEnvVar set, EVM-facilitator networks need FacilitatorURLEnv set, SVM networks
// additionally require SOLANA_FACILITATOR_PRIVATE_KEY to be set (checked by the caller, since
// that key is shared across all SVM networks rather than per-network).
func BuildNetworkRegistry(getenv Getenv, specs []NetworkSpec, svmFacilitatorConfigured bool) (*NetworkRegistry, error) {
	reg := &NetworkRegistry{networks: make(map[string]gateway.NetworkDescriptor)}

	for _, spec := range specs {
		switch spec.VM {
		case gateway.VMSvm:
			if !svmFacilitatorConfigured {
				continue
			}
		case gateway.VMEvm:
			if spec.FacilitatorURLEnv != "" {
				if getenv(spec.FacilitatorURLEnv) == "" {
					continue
				}
			} else if spec.RPCEnvVar == "" || getenv(spec.RPCEnvVar) == "" {
				continue
			}
		}

		desc := gateway.NetworkDescriptor{
			VM:        spec.VM,
			NetworkID: spec.NetworkID,
			RPCEnvVar: spec.RPCEnvVar,
			Token: gateway.TokenInfo{
				Address:       spec.TokenAddress,
				DisplayName:   spec.TokenName,
				DomainVersion: spec.TokenVersion,
				Decimals:      spec.TokenDecimals,
			},
		}
		if spec.ChainID != 0 {
			desc.ChainID = big.NewInt(spec.ChainID)
		}
		if spec.FacilitatorURLEnv != "" {
			desc.Facilitator = &gateway.FacilitatorConfig{
				URL:                 getenv(spec.FacilitatorURLEnv),
				APIKeyEnv:           spec.FacilitatorAPIKeyEnv,
				NetworkAlias:        spec.FacilitatorNetworkAlias,
				FacilitatorContract: spec.FacilitatorContractAddr,
			}
		}

		if err := validate.Struct(desc); err != nil {
			return nil, fmt.Errorf("invalid network descriptor for %s: %w", spec.NetworkID, err)
		}
		reg.networks[spec.NetworkID] = desc
	}

	return reg, nil
}

// NetworkRegistry is the resolved, immutable set of active networks built once at startup.
type NetworkRegistry struct {
	networks map[string]gateway.NetworkDescriptor
}

// Lookup resolves a CAIP-2 network identifier to its descriptor (spec 4's Network Resolver).
func (r *NetworkRegistry) Lookup(networkID string) (gateway.NetworkDescriptor, bool) {
	d, ok := r.networks[networkID]
	return d, ok
}

// Active returns every configured network, for the 402 Response Builder (spec 4.3).
func (r *NetworkRegistry) Active() []gateway.NetworkDescriptor {
	out := make([]gateway.NetworkDescriptor, 0, len(r.networks))
	for _, d := range r.networks {
		out = append(out, d)
	}
	return out
}
