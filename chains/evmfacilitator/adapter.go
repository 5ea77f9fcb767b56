// Package evmfacilitator implements the EVM-facilitator ChainAdapter (spec 4.6): delegating
// both verification and settlement to an external HTTP facilitator service, the way the
// teacher's http.HTTPFacilitatorClient talks to a remote facilitator over /verify and /settle.
package evmfacilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
)

// Adapter delegates verification and settlement to a remote facilitator service reachable
// over HTTP, authenticated with a bearer API key.
type Adapter struct {
	httpClient *http.Client
	apiKeyFor  func(network gateway.NetworkDescriptor) string
	logger     *zap.Logger
}

// New builds an EVM-facilitator adapter. apiKeyFor resolves the bearer token for a given
// network's facilitator (typically reading an env var named by NetworkDescriptor.Facilitator.APIKeyEnv).
func New(httpClient *http.Client, apiKeyFor func(gateway.NetworkDescriptor) string, logger *zap.Logger) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{httpClient: httpClient, apiKeyFor: apiKeyFor, logger: logger}
}

type verifyRequest struct {
	PaymentPayload      gateway.PaymentPayload  `json:"paymentPayload"`
	PaymentRequirements map[string]interface{} `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Verify posts the payload and the route's requirements to the facilitator's /verify endpoint.
// A non-2xx response or a facilitator-reported invalidity is surfaced as an invalid
// VerifyResult, not a Go error: only a transport-level failure (the request never reached the
// facilitator, or its body could not be parsed as JSON at all) is a hard error.
func (a *Adapter) Verify(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.VerifyResult, error) {
	req, err := requirementsRequest(payload, route, network)
	if err != nil {
		return gateway.VerifyResult{}, err
	}

	var out verifyResponse
	status, jsonErr, err := a.post(ctx, network, "/verify", req, &out)
	if err != nil {
		return gateway.VerifyResult{}, err
	}
	if jsonErr != nil {
		return gateway.VerifyResult{Valid: false, InvalidReason: fmt.Sprintf("Facilitator returned non-JSON (%d)", status)}, nil
	}
	if status < 200 || status >= 300 {
		reason := out.InvalidReason
		if reason == "" {
			reason = fmt.Sprintf("facilitator returned %d", status)
		}
		return gateway.VerifyResult{Valid: false, InvalidReason: reason}, nil
	}
	return gateway.VerifyResult{Valid: out.IsValid, InvalidReason: out.InvalidReason, Payer: out.Payer}, nil
}

// Settle posts the same request to the facilitator's /settle endpoint, which performs
// verification and on-chain settlement as one remote step.
func (a *Adapter) Settle(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.SettlementReceipt, error) {
	req, err := requirementsRequest(payload, route, network)
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}

	var out settleResponse
	status, jsonErr, err := a.post(ctx, network, "/settle", req, &out)
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}
	if jsonErr != nil {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrSettlementFailed, fmt.Sprintf("Facilitator returned non-JSON (%d)", status), nil)
	}
	if status < 200 || status >= 300 || !out.Success {
		reason := out.ErrorReason
		if reason == "" {
			reason = fmt.Sprintf("facilitator returned %d", status)
		}
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrSettlementFailed, reason, nil)
	}
	return gateway.SettlementReceipt{
		TxHash:      out.Transaction,
		Network:     out.Network,
		Payer:       out.Payer,
		Facilitator: network.Facilitator.URL,
	}, nil
}

// DeriveNonceKey returns "": replay protection for this path is owned by the facilitator,
// which is expected to reject a replayed authorization on its own.
func (a *Adapter) DeriveNonceKey(payload gateway.PaymentPayload) (string, error) {
	return "", nil
}

func requirementsRequest(payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (verifyRequest, error) {
	alias := network.NetworkID
	protocolVersion := payload.X402Version
	if protocolVersion == 0 {
		protocolVersion = 2
	}
	facilitatorPayTo := route.PayTo
	if network.Facilitator != nil {
		if network.Facilitator.NetworkAlias != "" {
			alias = network.Facilitator.NetworkAlias
		}
		if network.Facilitator.ProtocolVersion != 0 {
			protocolVersion = network.Facilitator.ProtocolVersion
		}
		if network.Facilitator.FacilitatorContract != "" {
			facilitatorPayTo = network.Facilitator.FacilitatorContract
		}
	}

	amount, err := gateway.ScaleAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return verifyRequest{}, fmt.Errorf("scale amount for %s: %w", network.NetworkID, err)
	}
	amountStr := amount.String()

	return verifyRequest{
		PaymentPayload: gateway.PaymentPayload{
			X402Version: protocolVersion,
			Scheme:      payload.Scheme,
			Network:     alias,
			Payload:     payload.Payload,
		},
		PaymentRequirements: map[string]interface{}{
			"scheme":            gateway.SchemeExact,
			"network":           alias,
			"maxAmountRequired": amountStr,
			"maxTimeoutSeconds": 3600,
			"payTo":             facilitatorPayTo,
			"asset":             network.Token.Address,
			"resource":          route.Path,
			"description":       route.Description,
			"mimeType":          route.MimeType,
			"amount":            amountStr,
			"recipient":         facilitatorPayTo,
		},
	}, nil
}

// post sends reqBody to the facilitator and decodes its response into out. The returned
// status and jsonErr describe the facilitator's own response so callers can turn a non-2xx
// status or a non-JSON body into a spec-mandated invalid/failed result rather than a
// transport error; the third return is reserved for failures that never reached the
// facilitator at all (request never sent, response never read).
func (a *Adapter) post(ctx context.Context, network gateway.NetworkDescriptor, path string, reqBody interface{}, out interface{}) (status int, jsonErr error, err error) {
	if network.Facilitator == nil {
		return 0, nil, gateway.NewGatewayError(gateway.ErrConfigError, "network has no facilitator configured", nil)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, network.Facilitator.URL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKeyFor != nil {
		if key := a.apiKeyFor(network); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, gateway.WrapGatewayError(gateway.ErrSettlementFailed, "facilitator request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, gateway.WrapGatewayError(gateway.ErrSettlementFailed, "failed to read facilitator response", err)
	}

	if decodeErr := json.Unmarshal(respBody, out); decodeErr != nil {
		a.logger.Warn("facilitator returned non-JSON response",
			zap.String("url", network.Facilitator.URL+path),
			zap.Int("status", resp.StatusCode),
		)
		return resp.StatusCode, decodeErr, nil
	}
	return resp.StatusCode, nil, nil
}
