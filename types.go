// Package gateway implements the x402 HTTP payment middleware: decoding a signed payment
// envelope, routing it to one of three verification/settlement backends, coordinating a
// durable nonce lifecycle, and layering an idempotency cache over client retries.
package gateway

import "math/big"

// Scheme is the only payment scheme honored by the core.
const SchemeExact = "exact"

// VM identifies which virtual machine family a network belongs to.
type VM string

const (
	VMEvm VM = "evm"
	VMSvm VM = "svm"
)

// EVMAuthorization is the EIP-3009 TransferWithAuthorization record carried inside an
// EVM payment payload.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMPayloadBody is the `payload` body for an EVM exact-scheme payment.
type EVMPayloadBody struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// SVMPayloadBody is the `payload` body for an SVM exact-scheme payment: a base64-encoded
// partially-signed transaction.
type SVMPayloadBody struct {
	Transaction string `json:"transaction"`
}

// PaymentIdentifierExtension is the only extension recognized by the core: a flat
// client-chosen idempotency key under "paymentId" (or, as a fallback, "id").
type PaymentIdentifierExtension struct {
	ID        string `json:"id,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

// PaymentPayload is the decoded envelope carried by a Payment-Signature/X-Payment header.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// EVMBody decodes the payload body as an EVM authorization record.
func (p PaymentPayload) EVMBody() (*EVMPayloadBody, error) {
	return evmPayloadFromMap(p.Payload)
}

// SVMBody decodes the payload body as an SVM transaction record.
func (p PaymentPayload) SVMBody() (*SVMPayloadBody, error) {
	tx, _ := p.Payload["transaction"].(string)
	if tx == "" {
		return nil, errMissingField("payload.transaction")
	}
	return &SVMPayloadBody{Transaction: tx}, nil
}

// TokenInfo describes the ERC-20/SPL asset a network settles in.
type TokenInfo struct {
	Address      string `validate:"required"`
	DisplayName  string `validate:"required"`
	DomainVersion string `validate:"required"`
	Decimals     int    `validate:"gte=0"`
}

// FacilitatorConfig describes an external EVM settlement service. A non-nil FacilitatorConfig
// on a NetworkDescriptor means EVM settlement is delegated (EVM-facilitator path).
type FacilitatorConfig struct {
	URL                 string `validate:"required,url"`
	APIKeyEnv           string `validate:"required"`
	NetworkAlias        string
	FacilitatorContract string
	ProtocolVersion     int
}

// NetworkDescriptor is the resolved configuration for a CAIP-2 network identifier.
type NetworkDescriptor struct {
	VM          VM     `validate:"required"`
	NetworkID   string `validate:"required"`
	ChainID     *big.Int
	RPCEnvVar   string
	Token       TokenInfo
	Facilitator *FacilitatorConfig
}

// RouteDescriptor is the resolved configuration for a protected backend route.
type RouteDescriptor struct {
	Path                string `validate:"required"`
	BackendName         string `validate:"required"`
	BackendURL          string `validate:"required,url"`
	BackendAPIKeyEnv    string
	BackendAPIKeyHeader string
	Price               string
	PriceAtomic         string `validate:"required,numeric"`
	PayTo               string
	PayToSol            string
	Description         string
	MimeType            string
}

// NonceStatus is the lifecycle state of a stored nonce record.
type NonceStatus string

const (
	NonceStatusPending   NonceStatus = "pending"
	NonceStatusConfirmed NonceStatus = "confirmed"
)

// NonceRecord is the value stored under a `nonce:<id>` KV key.
type NonceRecord struct {
	Status      NonceStatus `json:"status"`
	TimestampMs int64       `json:"timestampMs"`
	Network     string      `json:"network"`
	Payer       string      `json:"payer,omitempty"`
	Route       string      `json:"route"`
	VM          VM          `json:"vm"`
	TxHash      string      `json:"txHash,omitempty"`
	BlockNumber *uint64     `json:"blockNumber,omitempty"`
}

// SettlementReceipt is returned by a successful Settle call.
type SettlementReceipt struct {
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Facilitator string  `json:"facilitator,omitempty"`
}

// IdempotencyRecord is the value stored under an `idempotency:<paymentId>` KV key.
type IdempotencyRecord struct {
	TimestampMs int64              `json:"timestampMs"`
	Response    IdempotentResponse `json:"response"`
}

// IdempotentResponse bundles the header bytes and receipt cached for a paymentId.
type IdempotentResponse struct {
	PaymentResponseHeader string             `json:"paymentResponseHeader"`
	Settlement            SettlementReceipt  `json:"settlement"`
}

// PaymentContext is handed to the backend proxy after a successful settlement. It lives only
// for the duration of the request.
type PaymentContext struct {
	Payer              string
	Network            string
	Route               *RouteDescriptor
	Settlement         SettlementReceipt
	PaymentResponseHdr string
}

func errMissingField(name string) error {
	return &fieldError{name}
}

type fieldError struct{ name string }

func (e *fieldError) Error() string { return "missing required field: " + e.name }

func evmPayloadFromMap(data map[string]interface{}) (*EVMPayloadBody, error) {
	body := &EVMPayloadBody{}
	if sig, ok := data["signature"].(string); ok {
		body.Signature = sig
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, errMissingField("payload.authorization")
	}
	get := func(k string) string {
		s, _ := auth[k].(string)
		return s
	}
	body.Authorization = EVMAuthorization{
		From:        get("from"),
		To:          get("to"),
		Value:       get("value"),
		ValidAfter:  get("validAfter"),
		ValidBefore: get("validBefore"),
		Nonce:       get("nonce"),
	}
	return body, nil
}
