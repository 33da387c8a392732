package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
)

// Signer is a resolved signing handle. Exactly one of the key fields
// is set depending on Chain. The core never persists or logs key
// material; a Signer lives only for the duration of one execution.
type Signer struct {
	Owner string
	Chain model.Chain

	evmKey *ecdsa.PrivateKey
	solKey solana.PrivateKey
}

func (s *Signer) Address() string {
	switch s.Chain {
	case model.ChainEVM:
		return crypto.PubkeyToAddress(s.evmKey.PublicKey).Hex()
	case model.ChainSolana:
		return s.solKey.PublicKey().String()
	}
	return ""
}

func (s *Signer) EVMKey() *ecdsa.PrivateKey { return s.evmKey }

func (s *Signer) SolanaKey() solana.PrivateKey { return s.solKey }

// Keyring resolves an opaque key reference into a signing handle.
// Implementations must never hand back or persist plaintext keys
// outside the returned Signer.
type Keyring interface {
	ResolveSigner(ctx context.Context, keyRef, owner string, chain model.Chain) (*Signer, error)
}

// ConfigKeyring backs key references with config/env-injected key
// material, the deployment mode for a single-operator bot.
type ConfigKeyring struct {
	evm    map[string]string
	solana map[string]string
}

func NewConfigKeyring(evm, sol map[string]string) *ConfigKeyring {
	return &ConfigKeyring{evm: evm, solana: sol}
}

func (k *ConfigKeyring) ResolveSigner(ctx context.Context, keyRef, owner string, chain model.Chain) (*Signer, error) {
	switch chain {
	case model.ChainEVM:
		raw, ok := k.evm[keyRef]
		if !ok {
			return nil, apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("unknown key reference %q", keyRef), nil)
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "malformed key material", err)
		}
		return &Signer{Owner: owner, Chain: chain, evmKey: key}, nil

	case model.ChainSolana:
		raw, ok := k.solana[keyRef]
		if !ok {
			return nil, apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("unknown key reference %q", keyRef), nil)
		}
		key, err := solana.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "malformed key material", err)
		}
		return &Signer{Owner: owner, Chain: chain, solKey: key}, nil
	}
	return nil, apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("unsupported chain %q", chain), nil)
}
