package config

import (
	"fmt"
	"strings"

	gateway "github.com/paystream-labs/x402gateway"
)

// RouteSpec declares a route key and the environment variable prefix used to resolve its
// backend coordinates and pricing, matching the `*_BACKEND_URL`/`*_PRICE`/`*_PRICE_ATOMIC`/
// `*_PAY_TO_ADDRESS` surface of spec section 6.
type RouteSpec struct {
	Key          string
	Path         string
	EnvPrefix    string // e.g. "MYAPI" -> MYAPI_BACKEND_URL, MYAPI_PRICE_ATOMIC, ...
	Description  string
	MimeType     string
	BackendName  string
}

// BuildRouteRegistry resolves every RouteSpec into a RouteDescriptor from the environment.
// A route whose backend URL is unset is skipped (it is simply not deployed in this
// environment) rather than failing the whole registry build.
func BuildRouteRegistry(getenv Getenv, specs []RouteSpec) (*RouteRegistry, error) {
	reg := &RouteRegistry{routes: make(map[string]gateway.RouteDescriptor)}

	for _, spec := range specs {
		backendURL := getenv(spec.EnvPrefix + "_BACKEND_URL")
		if backendURL == "" {
			continue
		}

		priceAtomic := getenv(spec.EnvPrefix + "_PRICE_ATOMIC")
		if priceAtomic == "" {
			return nil, fmt.Errorf("route %s: %s_PRICE_ATOMIC is required once %s_BACKEND_URL is set", spec.Key, spec.EnvPrefix, spec.EnvPrefix)
		}

		payTo := firstNonEmpty(getenv(spec.EnvPrefix+"_PAY_TO_ADDRESS"), getenv("PAY_TO_ADDRESS"))

		desc := gateway.RouteDescriptor{
			Path:                spec.Path,
			BackendName:         spec.BackendName,
			BackendURL:          backendURL,
			BackendAPIKeyEnv:    spec.EnvPrefix + "_BACKEND_API_KEY",
			BackendAPIKeyHeader: "X-API-Key",
			Price:               getenv(spec.EnvPrefix + "_PRICE"),
			PriceAtomic:         priceAtomic,
			PayTo:               payTo,
			PayToSol:            getenv(spec.EnvPrefix + "_PAY_TO_ADDRESS_SOL"),
			Description:         spec.Description,
			MimeType:            spec.MimeType,
		}

		if err := validate.Struct(desc); err != nil {
			return nil, fmt.Errorf("invalid route descriptor for %s: %w", spec.Key, err)
		}
		reg.routes[spec.Key] = desc
	}

	return reg, nil
}

// RouteRegistry is the resolved, immutable set of configured routes built once at startup.
type RouteRegistry struct {
	routes map[string]gateway.RouteDescriptor
}

// Lookup resolves a route key to its descriptor (spec's Route Resolver).
func (r *RouteRegistry) Lookup(key string) (gateway.RouteDescriptor, bool) {
	d, ok := r.routes[key]
	return d, ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
