package x402

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ErrSignatureMismatch is returned when a well-formed signature does not
// verify against the message and key.
var ErrSignatureMismatch = errors.New("signature does not match")

// Signature is a raw signature. It travels as lowercase hex; base58 is
// accepted on input for wallets that emit it.
type Signature []byte

// ParseSignature decodes hex (optionally 0x-prefixed) or base58.
func ParseSignature(s string) (Signature, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty signature")
	}
	hexPart := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if b, err := hex.DecodeString(hexPart); err == nil && len(hexPart)%2 == 0 {
		return Signature(b), nil
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signature is neither hex nor base58: %w", err)
	}
	return Signature(b), nil
}

func (s Signature) String() string {
	return hex.EncodeToString(s)
}

// MarshalJSON encodes the signature as a hex string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a hex or base58 string. null and "" decode to nil.
func (s *Signature) UnmarshalJSON(b []byte) error {
	var raw *string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("signature must be a string: %w", err)
	}
	if raw == nil || *raw == "" {
		*s = nil
		return nil
	}
	sig, err := ParseSignature(*raw)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// Signer produces signatures over canonical payment bytes.
type Signer interface {
	// PublicKey returns the key in the textual form verifiers accept.
	PublicKey() string
	Sign(message []byte) (Signature, error)
}

// Verifier checks a signature against a message and a textual public key.
type Verifier interface {
	Verify(message []byte, sig Signature, publicKey string) error
}

// Ed25519Signer signs with a Solana keypair.
type Ed25519Signer struct {
	key solana.PrivateKey
}

// NewEd25519Signer wraps a Solana private key.
func NewEd25519Signer(key solana.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(key))
	}
	return &Ed25519Signer{key: key}, nil
}

// NewEd25519SignerFromBase58 parses a base58 encoded Solana private key.
func NewEd25519SignerFromBase58(encoded string) (*Ed25519Signer, error) {
	key, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewEd25519Signer(key)
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewEd25519Signer(key)
}

// PublicKey returns the base58 public key.
func (s *Ed25519Signer) PublicKey() string {
	return s.key.PublicKey().String()
}

// PrivateKey returns the base58 private key.
func (s *Ed25519Signer) PrivateKey() string {
	return s.key.String()
}

func (s *Ed25519Signer) Sign(message []byte) (Signature, error) {
	sig, err := s.key.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return Signature(sig[:]), nil
}

// Ed25519Verifier verifies signatures from base58 Solana public keys.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(message []byte, sig Signature, publicKey string) error {
	pk, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid ed25519 signature length %d", len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pk.Bytes()), message, sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// MultiVerifier dispatches on key format: 0x-prefixed 20-byte hex addresses
// go to the EVM verifier, everything else to ed25519.
type MultiVerifier struct {
	EVM     Verifier
	Ed25519 Verifier
}

// NewMultiVerifier returns a verifier that accepts both key families.
func NewMultiVerifier() *MultiVerifier {
	return &MultiVerifier{EVM: EVMVerifier{}, Ed25519: Ed25519Verifier{}}
}

func (m *MultiVerifier) Verify(message []byte, sig Signature, publicKey string) error {
	if strings.HasPrefix(publicKey, "0x") && common.IsHexAddress(publicKey) {
		if m.EVM == nil {
			return errors.New("evm signatures not accepted")
		}
		return m.EVM.Verify(message, sig, publicKey)
	}
	if m.Ed25519 == nil {
		return errors.New("ed25519 signatures not accepted")
	}
	return m.Ed25519.Verify(message, sig, publicKey)
}

// SignRequest records the signer as payer and signs the canonical fields.
func SignRequest(req *PaymentRequest, signer Signer) error {
	if req.Metadata == nil {
		req.Metadata = make(map[string]string, 1)
	}
	req.Metadata[MetadataPayer] = signer.PublicKey()
	sig, err := signer.Sign(req.CanonicalFields().Encode())
	if err != nil {
		return err
	}
	req.Signature = sig
	return nil
}

// VerifyRequest checks the request signature against its declared payer.
func VerifyRequest(req PaymentRequest, verifier Verifier) error {
	payer := req.Payer()
	if payer == "" {
		return errors.New("payment request has no payer public key")
	}
	if len(req.Signature) == 0 {
		return errors.New("payment request is not signed")
	}
	return verifier.Verify(req.CanonicalFields().Encode(), req.Signature, payer)
}
