package gateway

import "fmt"

// ValidatePayload performs basic structural validation on a decoded payment payload,
// independent of any specific network or route.
func ValidatePayload(p PaymentPayload) error {
	if p.X402Version < 1 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}
