package gateway

import (
	"regexp"

	"github.com/xeipuuv/gojsonschema"
)

var paymentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// extensionSchema mirrors the structural check the teacher's IsPaymentIdentifierExtension
// performed by hand; expressed as a JSON Schema so structural validation lives in one
// declarative place instead of repeated map assertions. The identifier lives directly on the
// extension object as paymentId (or id as a fallback), with no further wrapping.
var extensionSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"paymentId": {"type": "string"},
		"id": {"type": "string"}
	},
	"anyOf": [
		{"required": ["paymentId"]},
		{"required": ["id"]}
	]
}`)

// ExtractPaymentID implements the Payment-Identifier Extractor (spec 4.2). It looks for the
// extension at either payload.extensions or payload.payload.extensions, validates its shape
// with a JSON Schema, and returns "" (no error) for anything malformed — an invalid
// identifier is treated as absent, never an error.
func ExtractPaymentID(payload PaymentPayload) string {
	if id := extractFrom(payload.Extensions); id != "" {
		return id
	}
	if nested, ok := payload.Payload["extensions"].(map[string]interface{}); ok {
		if id := extractFrom(nested); id != "" {
			return id
		}
	}
	return ""
}

func extractFrom(extensions map[string]interface{}) string {
	if extensions == nil {
		return ""
	}
	raw, ok := extensions["payment-identifier"]
	if !ok {
		return ""
	}

	documentLoader := gojsonschema.NewGoLoader(raw)
	result, err := gojsonschema.Validate(extensionSchema, documentLoader)
	if err != nil || !result.Valid() {
		return ""
	}

	ext, ok := raw.(map[string]interface{})
	if !ok {
		return ""
	}

	id, _ := ext["paymentId"].(string)
	if id == "" {
		id, _ = ext["id"].(string)
	}
	if !paymentIDPattern.MatchString(id) {
		return ""
	}
	return id
}
