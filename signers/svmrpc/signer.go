// Package svmrpc implements the process-wide, lazily-initialized SVM facilitator co-signer
// described in spec section 4.7: a single signer derived from SOLANA_FACILITATOR_PRIVATE_KEY,
// shared by every request, initialized exactly once even under a storm of concurrent callers.
package svmrpc

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/sendAndConfirmTransaction"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"golang.org/x/sync/singleflight"
)

// Signer co-signs client-partially-signed Solana transactions and submits them for
// confirmation. It is the facilitator's half of the two-signature settlement path.
type Signer struct {
	privateKey solana.PrivateKey
	rpcClient  *rpc.Client
	wsClient   *ws.Client
}

// FeePayer returns the base58 address the facilitator pays network fees from, advertised to
// clients in the 402 response's `extra.feePayer` field.
func (s *Signer) FeePayer() string { return s.privateKey.PublicKey().String() }

// CoSignAndSubmit adds the facilitator's signature to a partially-signed transaction and
// submits it, waiting for confirmation.
func (s *Signer) CoSignAndSubmit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("marshal message: %w", err)
	}
	signature, err := s.privateKey.Sign(messageBytes)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}
	accountIndex, err := tx.GetAccountIndex(s.privateKey.PublicKey())
	if err != nil {
		return solana.Signature{}, fmt.Errorf("facilitator key is not a required signer: %w", err)
	}
	if len(tx.Signatures) <= int(accountIndex) {
		padded := make([]solana.Signature, accountIndex+1)
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}
	tx.Signatures[accountIndex] = signature

	if s.wsClient != nil {
		sig, err := sendandconfirmtransaction.SendAndConfirmTransaction(ctx, s.rpcClient, s.wsClient, tx)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("send and confirm transaction: %w", err)
		}
		return sig, nil
	}

	sig, err := s.rpcClient.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// Provider lazily constructs the single process-wide Signer, using a singleflight.Group so
// concurrent first callers share one initialization and all observe the same result.
type Provider struct {
	rpcURL        string
	wsURL         string
	privateKeyB58 func() string
	group         singleflight.Group

	signer *Signer
}

// NewProvider builds a Provider. privateKeyB58 is called at most once, lazily, to read the
// base58-encoded facilitator key (typically from SOLANA_FACILITATOR_PRIVATE_KEY).
func NewProvider(rpcURL, wsURL string, privateKeyB58 func() string) *Provider {
	return &Provider{rpcURL: rpcURL, wsURL: wsURL, privateKeyB58: privateKeyB58}
}

// Get returns the process-wide Signer, initializing it on the first call.
func (p *Provider) Get(ctx context.Context) (*Signer, error) {
	if s := p.signer; s != nil {
		return s, nil
	}

	v, err, _ := p.group.Do("init", func() (interface{}, error) {
		if p.signer != nil {
			return p.signer, nil
		}
		key := p.privateKeyB58()
		if key == "" {
			return nil, fmt.Errorf("SOLANA_FACILITATOR_PRIVATE_KEY is not set")
		}
		privateKey, err := solana.PrivateKeyFromBase58(key)
		if err != nil {
			return nil, fmt.Errorf("invalid facilitator private key: %w", err)
		}

		rpcClient := rpc.New(p.rpcURL)
		var wsClient *ws.Client
		if p.wsURL != "" {
			wsClient, err = ws.Connect(ctx, p.wsURL)
			if err != nil {
				return nil, fmt.Errorf("connect websocket: %w", err)
			}
		}

		s := &Signer{privateKey: privateKey, rpcClient: rpcClient, wsClient: wsClient}
		p.signer = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Signer), nil
}
