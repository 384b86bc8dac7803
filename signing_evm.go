package x402

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EVMSigner produces EIP-191 personal_sign signatures.
type EVMSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewEVMSigner wraps a secp256k1 private key.
func NewEVMSigner(key *ecdsa.PrivateKey) *EVMSigner {
	return &EVMSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewEVMSignerFromHex parses a hex private key, with or without 0x.
func NewEVMSignerFromHex(hexKey string) (*EVMSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewEVMSigner(key), nil
}

// GenerateEVMSigner creates a signer with a fresh random key.
func GenerateEVMSigner() (*EVMSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewEVMSigner(key), nil
}

// PublicKey returns the checksummed address.
func (s *EVMSigner) PublicKey() string {
	return s.address.Hex()
}

// PrivateKey returns the 0x-prefixed hex private key.
func (s *EVMSigner) PrivateKey() string {
	return hexutil.Encode(crypto.FromECDSA(s.key))
}

func (s *EVMSigner) Sign(message []byte) (Signature, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return Signature(sig), nil
}

// EVMVerifier recovers the signer address from an EIP-191 signature.
type EVMVerifier struct{}

func (EVMVerifier) Verify(message []byte, sig Signature, publicKey string) error {
	if !common.IsHexAddress(publicKey) {
		return fmt.Errorf("invalid address %q", publicKey)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("invalid evm signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return ErrSignatureMismatch
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(publicKey) {
		return ErrSignatureMismatch
	}
	return nil
}
