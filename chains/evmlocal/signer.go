// Package evmlocal implements the EVM-local ChainAdapter (spec 4.5): direct, in-process
// verification and on-chain settlement of EIP-3009 transferWithAuthorization payments.
package evmlocal

import (
	"context"
	"math/big"
)

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field of an EIP-712 typed-data struct definition.
type TypedDataField struct {
	Name string
	Type string
}

// TransactionReceipt is the result of waiting for a submitted transaction to be mined.
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// FacilitatorSigner is the narrow interface an EVM RPC backend must satisfy to support the
// EVM-local path: reading/writing the token contract and verifying EIP-712 signatures.
type FacilitatorSigner interface {
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
}
