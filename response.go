package gateway

import (
	"encoding/base64"
	"encoding/json"
)

// paymentResponseData is the body of the PAYMENT-RESPONSE header (spec 4.10).
type paymentResponseData struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber"`
	Facilitator string  `json:"facilitator,omitempty"`
}

// BuildPaymentResponseHeader builds the base64(JSON(...)) value of the PAYMENT-RESPONSE
// header from a settlement receipt.
func BuildPaymentResponseHeader(receipt SettlementReceipt) (string, error) {
	data := paymentResponseData{
		Success:     true,
		TxHash:      receipt.TxHash,
		Network:     receipt.Network,
		BlockNumber: receipt.BlockNumber,
		Facilitator: receipt.Facilitator,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
