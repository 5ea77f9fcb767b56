// Command gateway starts the x402 payment gateway: an HTTP server that enforces payment on
// a configurable set of backend routes before proxying through to them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
	"github.com/paystream-labs/x402gateway/chains/evmfacilitator"
	"github.com/paystream-labs/x402gateway/chains/evmlocal"
	"github.com/paystream-labs/x402gateway/chains/svmfacilitator"
	"github.com/paystream-labs/x402gateway/internal/config"
	"github.com/paystream-labs/x402gateway/internal/idempotency"
	"github.com/paystream-labs/x402gateway/internal/kv"
	"github.com/paystream-labs/x402gateway/internal/nonce"
	"github.com/paystream-labs/x402gateway/proxy"
	"github.com/paystream-labs/x402gateway/signers/evmrpc"
	"github.com/paystream-labs/x402gateway/signers/svmrpc"
)

// networkSpecs is the static table of networks the gateway knows how to configure (spec
// section 6): identifiers and token addresses are not secrets, so they live in code, while
// RPC URLs, facilitator keys, and private keys come from the environment at startup.
var networkSpecs = []config.NetworkSpec{
	{
		NetworkID: "eip155:8453", VM: gateway.VMEvm, ChainID: 8453,
		RPCEnvVar: "BASE_RPC_URL", TokenAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName: "USD Coin", TokenVersion: "2", TokenDecimals: 6,
	},
	{
		NetworkID: "eip155:84532", VM: gateway.VMEvm, ChainID: 84532,
		RPCEnvVar: "BASE_SEPOLIA_RPC_URL", TokenAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenName: "USDC", TokenVersion: "2", TokenDecimals: 6,
	},
	{
		NetworkID: "eip155:1", VM: gateway.VMEvm, ChainID: 1,
		FacilitatorURLEnv: "ETHEREUM_FACILITATOR_URL", FacilitatorAPIKeyEnv: "ETHEREUM_FACILITATOR_API_KEY",
		FacilitatorNetworkAlias: "eip155:1",
		TokenAddress:            "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TokenName:               "USD Coin", TokenVersion: "2", TokenDecimals: 6,
	},
	{
		NetworkID: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", VM: gateway.VMSvm,
		TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		TokenName:    "USD Coin", TokenVersion: "1", TokenDecimals: 6,
	},
}

// routeSpecs is the static table of protected routes; each is activated by setting its
// `<PREFIX>_BACKEND_URL` environment variable.
var routeSpecs = []config.RouteSpec{
	{Key: "weather", Path: "/weather", EnvPrefix: "WEATHER", BackendName: "weather-api", Description: "Current weather lookup", MimeType: "application/json"},
	{Key: "reports", Path: "/reports", EnvPrefix: "REPORTS", BackendName: "reports-api", Description: "Generated financial reports", MimeType: "application/json"},
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	svmPrivateKey := os.Getenv("SOLANA_FACILITATOR_PRIVATE_KEY")

	networks, err := config.BuildNetworkRegistry(os.Getenv, networkSpecs, svmPrivateKey != "")
	if err != nil {
		return fmt.Errorf("build network registry: %w", err)
	}
	routes, err := config.BuildRouteRegistry(os.Getenv, routeSpecs)
	if err != nil {
		return fmt.Errorf("build route registry: %w", err)
	}

	store := kv.NewInMemoryStore(time.Minute)
	defer store.Close()

	nonces := nonce.New(store, logger)
	idempotencyCache := idempotency.New(store, logger)

	evmSigners := evmrpc.NewCache()
	defer evmSigners.Close()

	evmLocalAdapter := &multiNetworkEVMLocal{cache: evmSigners, getenv: os.Getenv, logger: logger}
	evmFacilitatorAdapter := evmfacilitator.New(&http.Client{Timeout: 30 * time.Second}, apiKeyFor, logger)

	var svmAdapter *svmfacilitator.Adapter
	if svmPrivateKey != "" {
		provider := svmrpc.NewProvider(os.Getenv("SOLANA_RPC_URL"), os.Getenv("SOLANA_WS_URL"), func() string { return svmPrivateKey })
		svmAdapter = svmfacilitator.New(provider, logger)
	}

	adapters := gateway.Adapters{
		EVMLocal:       evmLocalAdapter,
		EVMFacilitator: evmFacilitatorAdapter,
	}
	if svmAdapter != nil {
		adapters.SVMFacilitator = svmAdapter
	}

	backend := proxy.New(logger)

	mw := &gateway.Middleware{
		Networks:     networks,
		Nonces:       nonces,
		Idempotency:  idempotencyCache,
		Adapters:     adapters,
		Backend:      backend,
		AllowOrigins: os.Getenv("CORS_ALLOW_ORIGIN"),
		Logger:       logger,
		APIKeyFor: func(route gateway.RouteDescriptor) string {
			return os.Getenv(route.BackendAPIKeyEnv)
		},
	}
	if svmAdapter != nil {
		mw.FeePayer = func() (string, error) {
			return svmAdapter.FeePayer(context.Background())
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	for _, spec := range routeSpecs {
		route, ok := routes.Lookup(spec.Key)
		if !ok {
			continue
		}
		handler := mw.Handler(route)
		router.Any(route.Path, handler)
		router.Any(route.Path+"/*rest", handler)
	}
	router.NoRoute(func(c *gin.Context) {
		key := strings.TrimPrefix(c.Request.URL.Path, "/")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Unknown route: " + key})
	})

	addr := ":" + firstNonEmpty(os.Getenv("PORT"), "8402")
	logger.Info("gateway listening", zap.String("addr", addr))
	return router.Run(addr)
}

func apiKeyFor(network gateway.NetworkDescriptor) string {
	if network.Facilitator == nil {
		return ""
	}
	return os.Getenv(network.Facilitator.APIKeyEnv)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// multiNetworkEVMLocal dispatches to a per-chain evmrpc.Signer, dialed lazily and cached by
// RPC URL, so the EVM-local path can serve more than one network from one process (spec
// section 5's per-chain RPC client cache).
type multiNetworkEVMLocal struct {
	cache  *evmrpc.Cache
	getenv func(string) string
	logger *zap.Logger
}

func (m *multiNetworkEVMLocal) adapterFor(ctx context.Context, network gateway.NetworkDescriptor) (*evmlocal.Adapter, error) {
	rpcURL := m.getenv(network.RPCEnvVar)
	if rpcURL == "" {
		return nil, gateway.NewGatewayError(gateway.ErrConfigError, "missing RPC URL for network "+network.NetworkID, nil)
	}
	privateKey := m.getenv("SETTLEMENT_PRIVATE_KEY")
	if privateKey == "" {
		return nil, gateway.NewGatewayError(gateway.ErrConfigError, "SETTLEMENT_PRIVATE_KEY is not set", nil)
	}
	signer, err := m.cache.Get(ctx, rpcURL, privateKey)
	if err != nil {
		return nil, gateway.WrapGatewayError(gateway.ErrConfigError, "failed to connect to RPC endpoint", err)
	}
	return evmlocal.New(signer, m.logger), nil
}

func (m *multiNetworkEVMLocal) Verify(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.VerifyResult, error) {
	adapter, err := m.adapterFor(ctx, network)
	if err != nil {
		return gateway.VerifyResult{}, err
	}
	return adapter.Verify(ctx, payload, route, network)
}

func (m *multiNetworkEVMLocal) Settle(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.SettlementReceipt, error) {
	adapter, err := m.adapterFor(ctx, network)
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}
	return adapter.Settle(ctx, payload, route, network)
}

func (m *multiNetworkEVMLocal) DeriveNonceKey(payload gateway.PaymentPayload) (string, error) {
	body, err := payload.EVMBody()
	if err != nil {
		return "", err
	}
	return body.Authorization.Nonce, nil
}
