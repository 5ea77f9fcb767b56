package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeNetworks struct {
	networks map[string]NetworkDescriptor
}

func (f *fakeNetworks) Lookup(networkID string) (NetworkDescriptor, bool) {
	d, ok := f.networks[networkID]
	return d, ok
}
func (f *fakeNetworks) Active() []NetworkDescriptor {
	out := make([]NetworkDescriptor, 0, len(f.networks))
	for _, d := range f.networks {
		out = append(out, d)
	}
	return out
}

type fakeNonces struct {
	claimResult    bool
	claimErr       error
	released       []string
	confirmedCalls int
}

func (f *fakeNonces) Claim(ctx context.Context, identifier string, record NonceRecord) (bool, error) {
	return f.claimResult, f.claimErr
}
func (f *fakeNonces) Confirm(ctx context.Context, identifier string, record NonceRecord) {
	f.confirmedCalls++
}
func (f *fakeNonces) Release(ctx context.Context, identifier string) {
	f.released = append(f.released, identifier)
}

type fakeIdempotency struct {
	cached *IdempotencyRecord
	puts   []IdempotentResponse
}

func (f *fakeIdempotency) Get(ctx context.Context, paymentID string) (*IdempotencyRecord, error) {
	return f.cached, nil
}
func (f *fakeIdempotency) Put(ctx context.Context, paymentID string, response IdempotentResponse, nowMs int64) {
	f.puts = append(f.puts, response)
}

type fakeBackend struct {
	invoked bool
	ctx     PaymentContext
}

func (f *fakeBackend) ServeRoute(w http.ResponseWriter, r *http.Request, ctx PaymentContext, apiKey string) {
	f.invoked = true
	f.ctx = ctx
	w.WriteHeader(http.StatusOK)
}

type fakeChainAdapter struct {
	verifyResult VerifyResult
	verifyErr    error
	settleResult SettlementReceipt
	settleErr    error
	nonceKey     string
}

func (f *fakeChainAdapter) Verify(ctx context.Context, payload PaymentPayload, route RouteDescriptor, network NetworkDescriptor) (VerifyResult, error) {
	return f.verifyResult, f.verifyErr
}
func (f *fakeChainAdapter) Settle(ctx context.Context, payload PaymentPayload, route RouteDescriptor, network NetworkDescriptor) (SettlementReceipt, error) {
	return f.settleResult, f.settleErr
}
func (f *fakeChainAdapter) DeriveNonceKey(payload PaymentPayload) (string, error) {
	return f.nonceKey, nil
}

func requestWithPayload(t *testing.T, method, path string, payload *PaymentPayload) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		r.Header.Set("X-Payment", base64.StdEncoding.EncodeToString(raw))
	}
	return r
}

func testRoute() RouteDescriptor {
	return RouteDescriptor{Path: "/weather", BackendName: "weather-api", BackendURL: "https://backend.example", PriceAtomic: "10000", PayTo: "0xRecipient"}
}

func testNetwork() NetworkDescriptor {
	return NetworkDescriptor{VM: VMEvm, NetworkID: "eip155:8453", Token: TokenInfo{Address: "0xusdc", DisplayName: "USD Coin", DomainVersion: "2", Decimals: 6}}
}

func TestHandlerEmitsPaymentRequiredWhenPaymentAbsent(t *testing.T) {
	backend := &fakeBackend{}
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{"eip155:8453": testNetwork()}},
		Idempotency: &fakeIdempotency{},
		Backend:     backend,
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", nil)

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.False(t, backend.invoked)
	assert.NotEmpty(t, w.Header().Get("Payment-Required"))
}

func TestHandlerRejectsMalformedEnvelopeWith400(t *testing.T) {
	m := &Middleware{Idempotency: &fakeIdempotency{}}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/weather", nil)
	c.Request.Header.Set("X-Payment", "not valid base64!!")

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRejectsUnsupportedNetworkWith402(t *testing.T) {
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{}},
		Idempotency: &fakeIdempotency{},
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", &PaymentPayload{
		X402Version: 2, Scheme: SchemeExact, Network: "eip155:999", Payload: map[string]interface{}{},
	})

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var gwErr GatewayError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gwErr))
	assert.Equal(t, ErrUnsupportedNetwork, gwErr.Kind)
}

func TestHandlerEmitsPaymentRequiredWhenVerifyInvalid(t *testing.T) {
	adapter := &fakeChainAdapter{verifyResult: VerifyResult{Valid: false, InvalidReason: "insufficient amount"}}
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{"eip155:8453": testNetwork()}},
		Idempotency: &fakeIdempotency{},
		Adapters:    Adapters{EVMLocal: adapter},
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", &PaymentPayload{
		X402Version: 2, Scheme: SchemeExact, Network: "eip155:8453", Payload: map[string]interface{}{},
	})

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient amount")
}

func TestHandlerRejectsContendedNonceWith402(t *testing.T) {
	adapter := &fakeChainAdapter{verifyResult: VerifyResult{Valid: true, Payer: "0xPayer"}, nonceKey: "abc123"}
	nonces := &fakeNonces{claimResult: false}
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{"eip155:8453": testNetwork()}},
		Nonces:      nonces,
		Idempotency: &fakeIdempotency{},
		Adapters:    Adapters{EVMLocal: adapter},
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", &PaymentPayload{
		X402Version: 2, Scheme: SchemeExact, Network: "eip155:8453", Payload: map[string]interface{}{},
	})

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var gwErr GatewayError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gwErr))
	assert.Equal(t, ErrNonceContended, gwErr.Kind)
}

func TestHandlerReleasesNonceOnSettlementFailure(t *testing.T) {
	adapter := &fakeChainAdapter{
		verifyResult: VerifyResult{Valid: true, Payer: "0xPayer"},
		nonceKey:     "abc123",
		settleErr:    assertAnErr{},
	}
	nonces := &fakeNonces{claimResult: true}
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{"eip155:8453": testNetwork()}},
		Nonces:      nonces,
		Idempotency: &fakeIdempotency{},
		Adapters:    Adapters{EVMLocal: adapter},
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", &PaymentPayload{
		X402Version: 2, Scheme: SchemeExact, Network: "eip155:8453", Payload: map[string]interface{}{},
	})

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, []string{"abc123"}, nonces.released)
	assert.Equal(t, 0, nonces.confirmedCalls)
}

func TestHandlerInvokesBackendAndConfirmsNonceOnSuccess(t *testing.T) {
	adapter := &fakeChainAdapter{
		verifyResult: VerifyResult{Valid: true, Payer: "0xPayer"},
		nonceKey:     "abc123",
		settleResult: SettlementReceipt{TxHash: "0xtxhash", Network: "eip155:8453", Payer: "0xPayer"},
	}
	nonces := &fakeNonces{claimResult: true}
	idempotency := &fakeIdempotency{}
	backend := &fakeBackend{}
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{"eip155:8453": testNetwork()}},
		Nonces:      nonces,
		Idempotency: idempotency,
		Adapters:    Adapters{EVMLocal: adapter},
		Backend:     backend,
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", &PaymentPayload{
		X402Version: 2, Scheme: SchemeExact, Network: "eip155:8453", Payload: map[string]interface{}{},
	})

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, backend.invoked)
	assert.Equal(t, "0xPayer", backend.ctx.Payer)
	assert.Equal(t, 1, nonces.confirmedCalls)
	assert.Empty(t, nonces.released)
}

func TestHandlerServesCachedResponseForRepeatedPaymentID(t *testing.T) {
	cached := &IdempotencyRecord{
		TimestampMs: 1,
		Response: IdempotentResponse{
			PaymentResponseHeader: "cached-header",
			Settlement:            SettlementReceipt{TxHash: "0xcached", Network: "eip155:8453", Payer: "0xPayer"},
		},
	}
	backend := &fakeBackend{}
	m := &Middleware{
		Networks:    &fakeNetworks{networks: map[string]NetworkDescriptor{"eip155:8453": testNetwork()}},
		Idempotency: &fakeIdempotency{cached: cached},
		Backend:     backend,
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = requestWithPayload(t, http.MethodGet, "/weather", &PaymentPayload{
		X402Version: 2, Scheme: SchemeExact, Network: "eip155:8453", Payload: map[string]interface{}{},
		Extensions: map[string]interface{}{
			"payment-identifier": map[string]interface{}{"paymentId": "abcdefghijklmnopqrstuvwx"},
		},
	})

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, backend.invoked)
	assert.Equal(t, "0xcached", backend.ctx.Settlement.TxHash)
	assert.Equal(t, "cached-header", backend.ctx.PaymentResponseHdr)
}

func TestHandlerOptionsRequestReturnsCORSPreflight(t *testing.T) {
	m := &Middleware{AllowOrigins: "https://example.com"}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodOptions, "/weather", nil)

	m.Handler(testRoute())(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

type assertAnErr struct{}

func (assertAnErr) Error() string { return "settlement failed" }
