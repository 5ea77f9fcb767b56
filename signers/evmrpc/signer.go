// Package evmrpc implements an ethclient-backed FacilitatorSigner for the evmlocal chain
// adapter: reading and writing the EIP-3009 token contract, verifying EIP-712 signatures by
// recovering the signer address, and waiting for transaction confirmation.
package evmrpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/paystream-labs/x402gateway/chains/evmlocal"
)

// Signer is a FacilitatorSigner backed by a single chain's JSON-RPC endpoint and a hot wallet
// private key authorized to submit transferWithAuthorization transactions.
type Signer struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	waitPoll   time.Duration
}

// New dials rpcURL and builds a Signer that signs outgoing transactions with privateKeyHex.
func New(ctx context.Context, rpcURL, privateKeyHex string) (*Signer, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("invalid facilitator private key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	return &Signer{
		client:     client,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    chainID,
		waitPoll:   2 * time.Second,
	}, nil
}

// Close releases the underlying RPC connection.
func (s *Signer) Close() { s.client.Close() }

// Address returns the hot wallet address used to submit settlement transactions.
func (s *Signer) Address() string { return s.address.Hex() }

func (s *Signer) ReadContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("pack call: %w", err)
	}

	to := common.HexToAddress(address)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call contract: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("unpack result: %w", err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

func (s *Signer) WriteContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("parse abi: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("pack call: %w", err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	to := common.HexToAddress(address)
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (s *Signer) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evmlocal.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.waitPoll)
	defer ticker.Stop()
	for {
		r, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &evmlocal.TransactionReceipt{
				Status:      r.Status,
				BlockNumber: r.BlockNumber.Uint64(),
				TxHash:      txHash,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Signer) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, tokenAddress, balanceOfABI, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type")
	}
	return balance, nil
}

// VerifyTypedData recovers the signer address from an EIP-712 signature and compares it
// against the expected address, the way the teacher's eip712.HashTypedData builds the digest.
func (s *Signer) VerifyTypedData(ctx context.Context, expectedAddress string, domain evmlocal.TypedDataDomain, typesMap map[string][]evmlocal.TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes")
	}

	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*gethmath.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}
	for typeName, fields := range typesMap {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return false, fmt.Errorf("hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return false, fmt.Errorf("hash domain: %w", err)
	}
	rawData := append([]byte{0x19, 0x01}, domainSeparator...)
	rawData = append(rawData, dataHash...)
	digest := crypto.Keccak256(rawData)

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	return strings.EqualFold(recovered.Hex(), expectedAddress), nil
}

var balanceOfABI = []byte(`[{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`)

// Cache dials and memoizes one Signer per chain ID so repeated requests against the same
// network reuse a single RPC connection and hot wallet key (spec section 5).
type Cache struct {
	mu      sync.Mutex
	signers map[string]*Signer
}

// NewCache builds an empty per-network signer cache.
func NewCache() *Cache {
	return &Cache{signers: make(map[string]*Signer)}
}

// Get returns the cached Signer for rpcURL, dialing and caching a new one on first use.
func (c *Cache) Get(ctx context.Context, rpcURL, privateKeyHex string) (*Signer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.signers[rpcURL]; ok {
		return s, nil
	}
	s, err := New(ctx, rpcURL, privateKeyHex)
	if err != nil {
		return nil, err
	}
	c.signers[rpcURL] = s
	return s, nil
}

// Close shuts down every cached signer's RPC connection.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.signers {
		s.Close()
	}
}
