// Package proxy forwards a verified, settled request to its backend, injecting the
// backend's API key and, for the x402 protocol, the PAYMENT-RESPONSE header the caller has
// already produced from the settlement receipt.
package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
)

// Proxy forwards requests to one or more backend origins using the standard library's
// reverse proxy: there is no ecosystem library in the corpus for this exact concern, and
// httputil.ReverseProxy already implements the streaming, header-rewriting, and error
// semantics the gateway needs.
type Proxy struct {
	logger *zap.Logger
}

// New builds a Proxy.
func New(logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{logger: logger}
}

// ServeRoute proxies r to route.BackendURL, attaching the backend's API key header (if
// configured) and the caller-supplied PAYMENT-RESPONSE header.
func (p *Proxy) ServeRoute(w http.ResponseWriter, r *http.Request, ctx gateway.PaymentContext, apiKey string) {
	target, err := url.Parse(ctx.Route.BackendURL)
	if err != nil {
		p.logger.Error("invalid backend url", zap.String("route", ctx.Route.Path), zap.Error(err))
		http.Error(w, "backend misconfigured", http.StatusInternalServerError)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		if apiKey != "" && ctx.Route.BackendAPIKeyHeader != "" {
			req.Header.Set(ctx.Route.BackendAPIKeyHeader, apiKey)
		}
		req.Header.Del("Payment-Signature")
		req.Header.Del("X-Payment")
		payer := req.Header.Get("X-X402-Payer")
		if payer == "" {
			payer = "unknown"
		}
		req.Header.Set("X-X402-Payer", payer)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		if ctx.PaymentResponseHdr != "" {
			resp.Header.Set("Payment-Response", ctx.PaymentResponseHdr)
		}
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn("backend proxy error", zap.String("route", ctx.Route.Path), zap.Error(err))
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}

	rp.ServeHTTP(w, r)
}
