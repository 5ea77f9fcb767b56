package evmlocal

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
)

// Adapter implements gateway.ChainAdapter for direct, in-process EIP-3009 settlement.
type Adapter struct {
	signer FacilitatorSigner
	logger *zap.Logger
}

// New builds an EVM-local adapter around the given RPC-backed signer.
func New(signer FacilitatorSigner, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{signer: signer, logger: logger}
}

// Verify runs the ordered checks of spec 4.5, stopping at the first failure.
func (a *Adapter) Verify(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.VerifyResult, error) {
	invalid := func(reason string) gateway.VerifyResult {
		return gateway.VerifyResult{Valid: false, InvalidReason: reason}
	}

	body, err := payload.EVMBody()
	if err != nil || body.Signature == "" {
		return invalid("authorization and signature are required"), nil
	}
	auth := body.Authorization

	if payload.Scheme != gateway.SchemeExact {
		return invalid("invalid scheme"), nil
	}

	required, err := gateway.ScaleAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return gateway.VerifyResult{}, fmt.Errorf("scale required amount: %w", err)
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid("invalid authorization value"), nil
	}
	if value.Cmp(required) < 0 {
		return invalid(fmt.Sprintf("insufficient amount: got %s, need %s", value, required)), nil
	}

	if !strings.EqualFold(auth.To, route.PayTo) {
		return invalid("recipient mismatch"), nil
	}

	now := time.Now().Unix()
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	if validAfter == nil || validBefore == nil {
		return invalid("invalid validity window"), nil
	}
	if big.NewInt(now).Cmp(validAfter) < 0 || big.NewInt(now).Cmp(validBefore) > 0 {
		return invalid("authorization outside its validity window"), nil
	}

	nonceBytes, err := hexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return invalid("invalid nonce format"), nil
	}
	used, err := a.checkNonceUsed(ctx, auth.From, nonceBytes, network.Token.Address)
	if err != nil {
		return gateway.VerifyResult{}, fmt.Errorf("check nonce used: %w", err)
	}
	if used {
		return invalid("nonce already used"), nil
	}

	signature, err := hexToBytes(body.Signature)
	if err != nil || len(signature) != 65 {
		return invalid("invalid signature format"), nil
	}
	valid, err := a.verifySignature(ctx, auth, signature, network)
	if err != nil {
		return gateway.VerifyResult{}, fmt.Errorf("verify signature: %w", err)
	}
	if !valid {
		return invalid("invalid signature"), nil
	}

	balance, err := a.signer.GetBalance(ctx, auth.From, network.Token.Address)
	if err != nil {
		// RPC failure on the balance read is non-fatal: treated as sufficient (spec 4.5.8).
		a.logger.Warn("balance check RPC error, treating as sufficient", zap.String("payer", auth.From), zap.Error(err))
	} else if balance.Cmp(value) < 0 {
		return invalid(fmt.Sprintf("insufficient balance: observed %s, required %s", balance, value)), nil
	}

	return gateway.VerifyResult{Valid: true, Payer: auth.From}, nil
}

// Settle parses the 65-byte signature into (v, r, s) and invokes transferWithAuthorization,
// waiting for one confirmation.
func (a *Adapter) Settle(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.SettlementReceipt, error) {
	verify, err := a.Verify(ctx, payload, route, network)
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}
	if !verify.Valid {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrVerificationFailed, verify.InvalidReason, nil)
	}

	body, err := payload.EVMBody()
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}
	auth := body.Authorization

	signature, err := hexToBytes(body.Signature)
	if err != nil || len(signature) != 65 {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrSettlementFailed, "invalid signature length", nil)
	}
	r, s, v := signature[0:32], signature[32:64], signature[64]

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := hexToBytes(auth.Nonce)
	if err != nil {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrSettlementFailed, "invalid nonce", nil)
	}

	txHash, err := a.signer.WriteContract(
		ctx, network.Token.Address, transferWithAuthorizationABI, functionTransferWithAuthorization,
		auth.From, auth.To, value, validAfter, validBefore, [32]byte(nonceBytes), v, [32]byte(r), [32]byte(s),
	)
	if err != nil {
		return gateway.SettlementReceipt{}, gateway.WrapGatewayError(gateway.ErrSettlementFailed, "failed to execute transfer", err)
	}

	receipt, err := a.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return gateway.SettlementReceipt{}, gateway.WrapGatewayError(gateway.ErrSettlementFailed, "failed to confirm transfer", err)
	}
	if receipt.Status != txStatusSuccess {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrSettlementFailed, "transaction reverted", map[string]interface{}{"txHash": txHash})
	}

	blockNumber := receipt.BlockNumber
	return gateway.SettlementReceipt{
		TxHash:      txHash,
		Network:     network.NetworkID,
		BlockNumber: &blockNumber,
		Payer:       auth.From,
	}, nil
}

// DeriveNonceKey uses the EIP-3009 authorization nonce directly (spec 4.8).
func (a *Adapter) DeriveNonceKey(payload gateway.PaymentPayload) (string, error) {
	body, err := payload.EVMBody()
	if err != nil {
		return "", err
	}
	return body.Authorization.Nonce, nil
}

func (a *Adapter) checkNonceUsed(ctx context.Context, from string, nonce []byte, tokenAddress string) (bool, error) {
	result, err := a.signer.ReadContract(ctx, tokenAddress, authorizationStateABI, functionAuthorizationState, from, [32]byte(nonce))
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

func (a *Adapter) verifySignature(ctx context.Context, auth gateway.EVMAuthorization, signature []byte, network gateway.NetworkDescriptor) (bool, error) {
	domain := TypedDataDomain{
		Name:              network.Token.DisplayName,
		Version:           network.Token.DomainVersion,
		ChainID:           network.ChainID,
		VerifyingContract: network.Token.Address,
	}
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := hexToBytes(auth.Nonce)
	if err != nil {
		return false, err
	}
	message := map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}
	return a.signer.VerifyTypedData(ctx, auth.From, domain, transferWithAuthorizationTypes, "TransferWithAuthorization", message, signature)
}

func hexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}
