package svmfacilitator

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/paystream-labs/x402gateway"
	"github.com/paystream-labs/x402gateway/signers/svmrpc"
)

// transferCheckedData builds the 10-byte SPL TransferChecked instruction payload:
// [0]=12 (discriminator), [1..8]=amount (u64 LE), [9]=decimals.
func transferCheckedData(amount uint64, decimals uint8) []byte {
	data := make([]byte, 10)
	data[0] = transferCheckedDiscriminator
	binary.LittleEndian.PutUint64(data[1:], amount)
	data[9] = decimals
	return data
}

// transferRoute builds a RouteDescriptor/NetworkDescriptor pair plus the mint/recipient keys
// needed to build a matching TransferChecked instruction for it.
type transferFixture struct {
	mint      solana.PublicKey
	recipient solana.PublicKey
	route     gateway.RouteDescriptor
	network   gateway.NetworkDescriptor
}

func newTransferFixture(t *testing.T) transferFixture {
	t.Helper()
	mintKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	recipientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	return transferFixture{
		mint:      mintKey.PublicKey(),
		recipient: recipientKey.PublicKey(),
		route:     gateway.RouteDescriptor{PriceAtomic: "10000", PayToSol: recipientKey.PublicKey().String()},
		network:   gateway.NetworkDescriptor{VM: gateway.VMSvm, Token: gateway.TokenInfo{Address: mintKey.PublicKey().String(), Decimals: 6}},
	}
}

// signedTransactionBase64 builds a client-signed transaction carrying a TransferChecked
// instruction for the given amount, paying into fx's recipient's associated token account.
func signedTransactionBase64(t *testing.T, clientKey solana.PrivateKey, fx transferFixture, amount uint64) string {
	t.Helper()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(clientKey.PublicKey(), fx.mint)
	require.NoError(t, err)
	destinationATA, _, err := solana.FindAssociatedTokenAddress(fx.recipient, fx.mint)
	require.NoError(t, err)

	accountKeys := []solana.PublicKey{
		clientKey.PublicKey(), // 0: owner/fee payer
		sourceATA,             // 1: source
		fx.mint,               // 2: mint
		destinationATA,        // 3: destination
		solana.TokenProgramID, // 4: token program
	}

	msg := solana.Message{
		Header:          solana.MessageHeader{NumRequiredSignatures: 1},
		AccountKeys:     accountKeys,
		RecentBlockhash: solana.MustHashFromBase58("11111111111111111111111111111111"),
		Instructions: []solana.CompiledInstruction{
			{
				ProgramIDIndex: 4,
				Accounts:       []uint16{1, 2, 3, 0},
				Data:           transferCheckedData(amount, 6),
			},
		},
	}
	msgBytes, err := msg.MarshalBinary()
	require.NoError(t, err)

	signature, err := clientKey.Sign(msgBytes)
	require.NoError(t, err)

	tx := solana.Transaction{Message: msg, Signatures: []solana.Signature{signature}}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestVerifyAcceptsTransactionWithClientSignature(t *testing.T) {
	clientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	fx := newTransferFixture(t)

	payload := gateway.PaymentPayload{
		Scheme:  gateway.SchemeExact,
		Payload: map[string]interface{}{"transaction": signedTransactionBase64(t, clientKey, fx, 10000)},
	}

	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)
	result, err := a.Verify(context.Background(), payload, fx.route, fx.network)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, clientKey.PublicKey().String(), result.Payer)
}

func TestVerifyRejectsMissingTransaction(t *testing.T) {
	fx := newTransferFixture(t)
	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)
	result, err := a.Verify(context.Background(), gateway.PaymentPayload{Scheme: gateway.SchemeExact}, fx.route, fx.network)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerifyRejectsWrongScheme(t *testing.T) {
	clientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	fx := newTransferFixture(t)

	payload := gateway.PaymentPayload{
		Scheme:  "other",
		Payload: map[string]interface{}{"transaction": signedTransactionBase64(t, clientKey, fx, 10000)},
	}

	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)
	result, err := a.Verify(context.Background(), payload, fx.route, fx.network)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerifyRejectsMalformedBase64(t *testing.T) {
	fx := newTransferFixture(t)
	payload := gateway.PaymentPayload{
		Scheme:  gateway.SchemeExact,
		Payload: map[string]interface{}{"transaction": "not valid base64!!"},
	}

	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)
	result, err := a.Verify(context.Background(), payload, fx.route, fx.network)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerifyRejectsInsufficientTransferAmount(t *testing.T) {
	clientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	fx := newTransferFixture(t)

	payload := gateway.PaymentPayload{
		Scheme:  gateway.SchemeExact,
		Payload: map[string]interface{}{"transaction": signedTransactionBase64(t, clientKey, fx, 1)},
	}

	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)
	result, err := a.Verify(context.Background(), payload, fx.route, fx.network)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.InvalidReason, "insufficient transfer amount")
}

func TestVerifyRejectsTransferToWrongRecipient(t *testing.T) {
	clientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	fx := newTransferFixture(t)
	b64 := signedTransactionBase64(t, clientKey, fx, 10000)

	otherRecipientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	wrongRoute := fx.route
	wrongRoute.PayToSol = otherRecipientKey.PublicKey().String()

	payload := gateway.PaymentPayload{
		Scheme:  gateway.SchemeExact,
		Payload: map[string]interface{}{"transaction": b64},
	}

	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)
	result, err := a.Verify(context.Background(), payload, wrongRoute, fx.network)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.InvalidReason, "recipient")
}

func TestDeriveNonceKeyHashesRawTransactionBytes(t *testing.T) {
	clientKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	fx := newTransferFixture(t)
	b64 := signedTransactionBase64(t, clientKey, fx, 10000)

	payload := gateway.PaymentPayload{Payload: map[string]interface{}{"transaction": b64}}
	a := New(svmrpc.NewProvider("", "", func() string { return "" }), nil)

	key1, err := a.DeriveNonceKey(payload)
	require.NoError(t, err)
	key2, err := a.DeriveNonceKey(payload)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
	assert.Contains(t, key1, "svm:")
}

func TestFeePayerResolvesFacilitatorAddress(t *testing.T) {
	facilitatorKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	a := New(svmrpc.NewProvider("", "", func() string { return facilitatorKey.String() }), nil)
	addr, err := a.FeePayer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, facilitatorKey.PublicKey().String(), addr)
}
