package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPaymentRequiredScalesPerNetwork(t *testing.T) {
	route := RouteDescriptor{Path: "/weather", PriceAtomic: "10000", PayTo: "0xabc", PayToSol: "Sol1abc"}
	networks := []NetworkDescriptor{
		{VM: VMEvm, NetworkID: "eip155:8453", Token: TokenInfo{Address: "0xusdc", DisplayName: "USD Coin", DomainVersion: "2", Decimals: 6}},
		{VM: VMEvm, NetworkID: "eip155:56", Token: TokenInfo{Address: "0xusdc18", DisplayName: "USD Coin", DomainVersion: "1", Decimals: 18}},
	}

	body, headerB64, err := BuildPaymentRequired(route, networks, ResourceInfo{URL: "https://api.example/weather"}, nil)
	require.NoError(t, err)
	require.Len(t, body.Accepts, 2)
	assert.Equal(t, "10000", body.Accepts[0].Amount)
	assert.Equal(t, "10000000000000000", body.Accepts[1].Amount)
	assert.NotEmpty(t, headerB64)
}

func TestBuildPaymentRequiredOmitsNetworkWithoutPayTo(t *testing.T) {
	route := RouteDescriptor{Path: "/weather", PriceAtomic: "10000"}
	networks := []NetworkDescriptor{
		{VM: VMEvm, NetworkID: "eip155:8453", Token: TokenInfo{Address: "0xusdc", Decimals: 6}},
	}

	body, _, err := BuildPaymentRequired(route, networks, ResourceInfo{URL: "https://api.example/weather"}, nil)
	require.NoError(t, err)
	assert.Empty(t, body.Accepts)
}

func TestBuildPaymentRequiredSVMUsesFeePayer(t *testing.T) {
	route := RouteDescriptor{Path: "/weather", PriceAtomic: "10000", PayToSol: "Sol1abc"}
	networks := []NetworkDescriptor{
		{VM: VMSvm, NetworkID: "solana:xyz", Token: TokenInfo{Address: "usdc-spl", Decimals: 6}},
	}

	body, _, err := BuildPaymentRequired(route, networks, ResourceInfo{URL: "https://api.example/weather"}, func() (string, error) {
		return "FacilitatorAddr1", nil
	})
	require.NoError(t, err)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "Sol1abc", body.Accepts[0].PayTo)
	assert.Equal(t, "FacilitatorAddr1", body.Accepts[0].Extra["feePayer"])
}

func TestResourceURLFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/weather?city=nyc", nil)
	r.Host = "api.example.com"
	assert.Equal(t, "http://api.example.com/weather?city=nyc", ResourceURLFromRequest(r))
}
