// Package svmfacilitator implements the SVM-facilitator ChainAdapter (spec 4.7): verifying
// and co-signing client-partially-signed Solana transactions with the process-wide facilitator
// signer.
package svmfacilitator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	gateway "github.com/paystream-labs/x402gateway"
	"github.com/paystream-labs/x402gateway/signers/svmrpc"
)

// transferCheckedDiscriminator is the SPL Token program instruction tag for TransferChecked:
// [0]=12, [1:9]=amount (u64 LE), [9]=decimals.
const transferCheckedDiscriminator = 12

// Adapter delegates SVM settlement to the provider's lazily-initialized facilitator signer.
type Adapter struct {
	signers *svmrpc.Provider
	logger  *zap.Logger
}

// New builds an SVM-facilitator adapter around a signer provider.
func New(signers *svmrpc.Provider, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{signers: signers, logger: logger}
}

// FeePayer resolves the facilitator's co-signer address, for the 402 response's
// extra.feePayer field (spec 4.3).
func (a *Adapter) FeePayer(ctx context.Context) (string, error) {
	signer, err := a.signers.Get(ctx)
	if err != nil {
		return "", err
	}
	return signer.FeePayer(), nil
}

// Verify decodes the partially-signed transaction, checks it carries the facilitator's
// required signature slot and a client signature already attached, and asserts the
// transaction's SPL TransferChecked instruction actually pays the route's required amount to
// the route's recipient: without this, any correctly-encoded, client-signed transaction would
// be co-signed and submitted regardless of what it transfers.
func (a *Adapter) Verify(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.VerifyResult, error) {
	body, err := payload.SVMBody()
	if err != nil {
		return gateway.VerifyResult{Valid: false, InvalidReason: "missing transaction"}, nil
	}

	tx, err := decodeTransaction(body.Transaction)
	if err != nil {
		return gateway.VerifyResult{Valid: false, InvalidReason: "invalid transaction encoding"}, nil
	}

	if payload.Scheme != gateway.SchemeExact {
		return gateway.VerifyResult{Valid: false, InvalidReason: "invalid scheme"}, nil
	}

	payer, err := clientSignerFromTransaction(tx)
	if err != nil {
		return gateway.VerifyResult{Valid: false, InvalidReason: "missing client signature"}, nil
	}

	if reason := verifyTransferInstruction(tx, route, network); reason != "" {
		return gateway.VerifyResult{Valid: false, InvalidReason: reason}, nil
	}

	return gateway.VerifyResult{Valid: true, Payer: payer}, nil
}

// verifyTransferInstruction locates the transaction's SPL TransferChecked instruction and
// checks its amount and destination against the route's requirements. Returns "" when the
// transaction checks out, otherwise the reason it was rejected.
func verifyTransferInstruction(tx *solana.Transaction, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) string {
	required, err := gateway.ScaleAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return "invalid route price"
	}

	mint, err := solana.PublicKeyFromBase58(network.Token.Address)
	if err != nil {
		return "invalid token mint configured for network"
	}
	payTo, err := solana.PublicKeyFromBase58(route.PayToSol)
	if err != nil {
		return "invalid recipient configured for route"
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return "failed to derive recipient token account"
	}

	for _, instr := range tx.Message.Instructions {
		programID := tx.Message.AccountKeys[instr.ProgramIDIndex]
		if !programID.Equals(solana.TokenProgramID) && !programID.Equals(solana.Token2022ProgramID) {
			continue
		}
		if len(instr.Data) < 9 || instr.Data[0] != transferCheckedDiscriminator {
			continue
		}
		if len(instr.Accounts) < 3 {
			continue
		}

		amount := new(big.Int).SetUint64(binary.LittleEndian.Uint64(instr.Data[1:9]))
		destination := tx.Message.AccountKeys[instr.Accounts[2]]

		if amount.Cmp(required) < 0 {
			return fmt.Sprintf("insufficient transfer amount: got %s, need %s", amount.String(), required.String())
		}
		if !destination.Equals(destinationATA) {
			return "transfer destination does not match route recipient"
		}
		return ""
	}

	return "no TransferChecked instruction found for the required asset"
}

// Settle co-signs the transaction with the facilitator's signer and submits it.
func (a *Adapter) Settle(ctx context.Context, payload gateway.PaymentPayload, route gateway.RouteDescriptor, network gateway.NetworkDescriptor) (gateway.SettlementReceipt, error) {
	verify, err := a.Verify(ctx, payload, route, network)
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}
	if !verify.Valid {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrVerificationFailed, verify.InvalidReason, nil)
	}

	body, err := payload.SVMBody()
	if err != nil {
		return gateway.SettlementReceipt{}, err
	}
	tx, err := decodeTransaction(body.Transaction)
	if err != nil {
		return gateway.SettlementReceipt{}, gateway.NewGatewayError(gateway.ErrSettlementFailed, "invalid transaction encoding", nil)
	}

	signer, err := a.signers.Get(ctx)
	if err != nil {
		return gateway.SettlementReceipt{}, gateway.WrapGatewayError(gateway.ErrConfigError, "facilitator signer unavailable", err)
	}

	signature, err := signer.CoSignAndSubmit(ctx, tx)
	if err != nil {
		return gateway.SettlementReceipt{}, gateway.WrapGatewayError(gateway.ErrSettlementFailed, "failed to submit transaction", err)
	}

	return gateway.SettlementReceipt{
		TxHash:  signature.String(),
		Network: network.NetworkID,
		Payer:   verify.Payer,
	}, nil
}

// DeriveNonceKey hashes the raw transaction bytes: a retry that resubmits the exact same
// partially-signed transaction is blocked locally as a replay (spec 4.8).
func (a *Adapter) DeriveNonceKey(payload gateway.PaymentPayload) (string, error) {
	body, err := payload.SVMBody()
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(body.Transaction)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "svm:" + hex.EncodeToString(sum[:]), nil
}

func decodeTransaction(b64 string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var tx solana.Transaction
	if err := tx.UnmarshalBase64(base64.StdEncoding.EncodeToString(raw)); err != nil {
		return nil, err
	}
	return &tx, nil
}

func clientSignerFromTransaction(tx *solana.Transaction) (string, error) {
	if len(tx.Message.AccountKeys) == 0 {
		return "", fmt.Errorf("transaction has no account keys")
	}
	signer := tx.Message.AccountKeys[0]
	idx, err := tx.GetAccountIndex(signer)
	if err != nil {
		return "", err
	}
	if int(idx) >= len(tx.Signatures) || tx.Signatures[idx].IsZero() {
		return "", fmt.Errorf("fee-payer signature missing")
	}
	return signer.String(), nil
}
