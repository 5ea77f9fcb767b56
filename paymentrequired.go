package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Accept is one entry of the 402 body's `accepts` array (spec 4.3).
type Accept struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequiredBody is the JSON body of a 402 response.
type PaymentRequiredBody struct {
	X402Version int                    `json:"x402Version"`
	Accepts     []Accept               `json:"accepts"`
	Resource    ResourceInfo           `json:"resource"`
	Extensions  map[string]interface{} `json:"extensions"`
}

// ResourceInfo describes the resource a 402 response is protecting.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// FeePayerResolver lazily resolves the SVM co-signer address advertised in an `extra.feePayer`
// field, matching the single-flight-initialized facilitator signer of spec 4.7.
type FeePayerResolver func() (string, error)

// BuildPaymentRequired implements the 402 Response Builder (spec 4.3).
func BuildPaymentRequired(route RouteDescriptor, networks []NetworkDescriptor, resource ResourceInfo, feePayer FeePayerResolver) (PaymentRequiredBody, string, error) {
	body := PaymentRequiredBody{
		X402Version: 2,
		Resource:    resource,
		Extensions: map[string]interface{}{
			"payment-identifier": map[string]interface{}{"supported": true, "required": false},
		},
	}

	var headerAccepts []Accept

	for _, network := range networks {
		amount, err := ScaleAmount(route.PriceAtomic, network.Token.Decimals)
		if err != nil {
			return PaymentRequiredBody{}, "", fmt.Errorf("scale amount for %s: %w", network.NetworkID, err)
		}
		amountStr := amount.String()

		payTo, extra := resolvePayToAndExtra(route, network, feePayer)
		if payTo == "" {
			continue // a network whose required payTo is missing is silently omitted
		}

		accept := Accept{
			Scheme:            SchemeExact,
			Network:           network.NetworkID,
			Amount:            amountStr,
			PayTo:             payTo,
			MaxTimeoutSeconds: 3600,
			Asset:             network.Token.Address,
			Extra:             extra,
		}
		body.Accepts = append(body.Accepts, accept)

		headerAccept := accept
		headerAccept.MaxAmountRequired = amountStr
		headerAccept.Resource = resource.URL
		headerAccept.Description = resource.Description
		headerAccept.MimeType = resource.MimeType
		headerAccepts = append(headerAccepts, headerAccept)
	}

	headerBody := body
	headerBody.Accepts = headerAccepts
	headerBytes, err := json.Marshal(headerBody)
	if err != nil {
		return PaymentRequiredBody{}, "", fmt.Errorf("marshal payment-required header: %w", err)
	}
	headerBase64 := base64.StdEncoding.EncodeToString(headerBytes)

	return body, headerBase64, nil
}

func resolvePayToAndExtra(route RouteDescriptor, network NetworkDescriptor, feePayer FeePayerResolver) (string, map[string]interface{}) {
	switch network.VM {
	case VMSvm:
		payer := ""
		if feePayer != nil {
			if addr, err := feePayer(); err == nil {
				payer = addr
			}
		}
		return route.PayToSol, map[string]interface{}{"feePayer": payer}
	case VMEvm:
		extra := map[string]interface{}{
			"name":    network.Token.DisplayName,
			"version": network.Token.DomainVersion,
		}
		if network.Facilitator != nil {
			return network.Facilitator.FacilitatorContract, extra
		}
		return route.PayTo, extra
	default:
		return "", nil
	}
}

// ResourceURLFromRequest reconstructs the resource URL per spec 4.3.
func ResourceURLFromRequest(r *http.Request) string {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		proto = fwd
	}
	u := fmt.Sprintf("%s://%s%s", proto, r.Host, r.URL.Path)
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
