package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NetworkResolver maps a CAIP-2 network identifier to its descriptor.
type NetworkResolver interface {
	Lookup(networkID string) (NetworkDescriptor, bool)
	Active() []NetworkDescriptor
}

// NonceCoordinator is the narrow capability the middleware needs from internal/nonce.Coordinator.
// Identifiers are whatever a ChainAdapter.DeriveNonceKey returned; the coordinator owns KV
// key namespacing on top of them.
type NonceCoordinator interface {
	Claim(ctx context.Context, identifier string, record NonceRecord) (bool, error)
	Confirm(ctx context.Context, identifier string, record NonceRecord)
	Release(ctx context.Context, identifier string)
}

// IdempotencyCache is the narrow capability the middleware needs from internal/idempotency.Cache.
type IdempotencyCache interface {
	Get(ctx context.Context, paymentID string) (*IdempotencyRecord, error)
	Put(ctx context.Context, paymentID string, response IdempotentResponse, nowMs int64)
}

// BackendForwarder invokes the downstream handler once a request has cleared payment.
type BackendForwarder interface {
	ServeRoute(w http.ResponseWriter, r *http.Request, ctx PaymentContext, apiKey string)
}

// Middleware wires the envelope decoder, dispatcher, nonce coordinator, and idempotency
// cache into the per-request state machine of spec section 4.10.
type Middleware struct {
	Networks    NetworkResolver
	Nonces      NonceCoordinator
	Idempotency IdempotencyCache
	Adapters    Adapters
	Backend     BackendForwarder
	FeePayer    FeePayerResolver
	APIKeyFor   func(route RouteDescriptor) string
	Logger      *zap.Logger

	// AllowOrigins is echoed back on CORS preflight responses.
	AllowOrigins string
}

func (m *Middleware) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// Handler returns a gin handler that enforces payment for the given route before invoking
// the backend.
func (m *Middleware) Handler(route RouteDescriptor) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.writeCORSHeaders(c)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		payload, _, err := DecodeEnvelope(c.Request)
		if err != nil {
			if gwErr, ok := err.(*GatewayError); ok && gwErr.Kind == ErrEnvelopeMalformed {
				c.AbortWithStatusJSON(http.StatusBadRequest, gwErr)
				return
			}
			m.emitPaymentRequired(c, route, "")
			return
		}
		if payload == nil {
			m.emitPaymentRequired(c, route, "")
			return
		}

		paymentID := ExtractPaymentID(*payload)
		if paymentID != "" {
			if cached, err := m.Idempotency.Get(c.Request.Context(), paymentID); err == nil && cached != nil {
				m.invokeBackend(c, route, PaymentContext{
					Network:            payload.Network,
					Route:              &route,
					Settlement:         cached.Response.Settlement,
					PaymentResponseHdr: cached.Response.PaymentResponseHeader,
				})
				return
			}
		}

		network, ok := m.Networks.Lookup(payload.Network)
		if !ok {
			m.abort402(c, route, NewGatewayError(ErrUnsupportedNetwork, "unsupported network: "+payload.Network, nil))
			return
		}

		adapter, err := Dispatch(network, m.Adapters)
		if err != nil {
			m.abort402(c, route, err)
			return
		}

		verify, err := adapter.Verify(c.Request.Context(), *payload, route, network)
		if err != nil {
			m.abort402(c, route, WrapGatewayError(ErrVerificationFailed, "verification error", err))
			return
		}
		if !verify.Valid {
			m.emitPaymentRequired(c, route, verify.InvalidReason)
			return
		}

		nonceKey, err := adapter.DeriveNonceKey(*payload)
		if err != nil {
			m.abort402(c, route, WrapGatewayError(ErrVerificationFailed, "failed to derive nonce key", err))
			return
		}

		if nonceKey != "" {
			claimed, err := m.Nonces.Claim(c.Request.Context(), nonceKey, NonceRecord{
				Network: payload.Network,
				Payer:   verify.Payer,
				Route:   route.Path,
				VM:      network.VM,
			})
			if err != nil {
				m.abort402(c, route, WrapGatewayError(ErrNonceContended, "nonce claim failed", err))
				return
			}
			if !claimed {
				m.abort402(c, route, NewGatewayError(ErrNonceContended, "nonce already used or settlement in progress", nil))
				return
			}
		}

		receipt, err := adapter.Settle(c.Request.Context(), *payload, route, network)
		if err != nil {
			if nonceKey != "" {
				m.Nonces.Release(c.Request.Context(), nonceKey)
			}
			m.abort402(c, route, WrapGatewayError(ErrSettlementFailed, "settlement failed", err))
			return
		}

		if nonceKey != "" {
			m.Nonces.Confirm(c.Request.Context(), nonceKey, NonceRecord{
				Network:     receipt.Network,
				Payer:       receipt.Payer,
				Route:       route.Path,
				VM:          network.VM,
				TxHash:      receipt.TxHash,
				BlockNumber: receipt.BlockNumber,
			})
		}

		header, err := BuildPaymentResponseHeader(receipt)
		if err != nil {
			m.abort402(c, route, WrapGatewayError(ErrSettlementFailed, "failed to encode payment response", err))
			return
		}

		if paymentID != "" {
			m.Idempotency.Put(c.Request.Context(), paymentID, IdempotentResponse{
				PaymentResponseHeader: header,
				Settlement:            receipt,
			}, time.Now().UnixMilli())
		}

		m.invokeBackend(c, route, PaymentContext{
			Payer:              receipt.Payer,
			Network:            receipt.Network,
			Route:              &route,
			Settlement:         receipt,
			PaymentResponseHdr: header,
		})
	}
}

func (m *Middleware) invokeBackend(c *gin.Context, route RouteDescriptor, pc PaymentContext) {
	apiKey := ""
	if m.APIKeyFor != nil {
		apiKey = m.APIKeyFor(route)
	}
	m.Backend.ServeRoute(c.Writer, c.Request, pc, apiKey)
}

func (m *Middleware) emitPaymentRequired(c *gin.Context, route RouteDescriptor, invalidReason string) {
	body, headerB64, err := BuildPaymentRequired(route, m.Networks.Active(), ResourceInfo{
		URL:         ResourceURLFromRequest(c.Request),
		Description: route.Description,
		MimeType:    route.MimeType,
	}, m.FeePayer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, NewGatewayError(ErrConfigError, "failed to build payment requirements", nil))
		return
	}
	c.Header("Payment-Required", headerB64)
	if invalidReason != "" {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": invalidReason, "x402Version": body.X402Version, "accepts": body.Accepts})
		return
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

func (m *Middleware) abort402(c *gin.Context, route RouteDescriptor, err error) {
	gwErr, ok := err.(*GatewayError)
	if !ok {
		gwErr = WrapGatewayError(ErrVerificationFailed, "payment could not be processed", err)
	}
	m.logger().Info("payment rejected",
		zap.String("route", route.Path),
		zap.String("kind", string(gwErr.Kind)),
		zap.String("reason", gwErr.Message),
	)
	c.AbortWithStatusJSON(gwErr.Kind.StatusCode(), gwErr)
}

func (m *Middleware) writeCORSHeaders(c *gin.Context) {
	origin := m.AllowOrigins
	if origin == "" {
		origin = "*"
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", "Payment-Signature", "X-Payment", "X-X402-Payer"}, ", "))
}
