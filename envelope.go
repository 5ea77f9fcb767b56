package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
)

// paymentHeaderNames are checked in preference order: Payment-Signature first, then X-Payment.
var paymentHeaderNames = []string{"Payment-Signature", "X-Payment"}

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// DecodeEnvelope implements the Envelope Decoder (spec 4.1). It returns (nil, nil, nil) when
// no payment header is present — that is signalled upstream as "no payment attempted", not an
// error. A present-but-malformed header returns a GatewayError of kind ErrEnvelopeMalformed.
func DecodeEnvelope(r *http.Request) (*PaymentPayload, string, error) {
	var raw string
	for _, name := range paymentHeaderNames {
		if v := r.Header.Get(name); v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return nil, "", nil
	}

	if !base64Pattern.MatchString(raw) {
		return nil, raw, WrapGatewayError(ErrEnvelopeMalformed, "invalid payment payload encoding", nil)
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, raw, WrapGatewayError(ErrEnvelopeMalformed, "invalid payment payload encoding", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, raw, WrapGatewayError(ErrEnvelopeMalformed, "invalid payment payload encoding", err)
	}

	return &payload, raw, nil
}
