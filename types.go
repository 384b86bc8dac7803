package x402

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenType identifies the asset a payment is denominated in.
// SOL is the native token; every other value is a fungible (SPL) token.
type TokenType string

const (
	TokenSOL    TokenType = "SOL"
	TokenUSDC   TokenType = "USDC"
	TokenUSDT   TokenType = "USDT"
	TokenBONK   TokenType = "BONK"
	TokenWIF    TokenType = "WIF"
	TokenCustom TokenType = "CUSTOM"
)

var knownTokens = map[TokenType]struct{}{
	TokenSOL:    {},
	TokenUSDC:   {},
	TokenUSDT:   {},
	TokenBONK:   {},
	TokenWIF:    {},
	TokenCustom: {},
}

// ParseTokenType parses a token string. Unknown values are an error; there
// is no fallback to the native token.
func ParseTokenType(s string) (TokenType, error) {
	t := TokenType(s)
	if _, ok := knownTokens[t]; !ok {
		return "", fmt.Errorf("unsupported token: %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	_, ok := knownTokens[t]
	return ok
}

// IsNative reports whether t is the chain's native token.
func (t TokenType) IsNative() bool {
	return t == TokenSOL
}

// UnmarshalJSON rejects unknown token strings.
func (t *TokenType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("token must be a string: %w", err)
	}
	parsed, err := ParseTokenType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Token is a token type together with its mint address (fungible tokens only).
type Token struct {
	Type TokenType `json:"token"`
	Mint string    `json:"token_mint,omitempty"`
}

// NativeToken returns the native token.
func NativeToken() Token {
	return Token{Type: TokenSOL}
}

// FungibleToken returns a fungible token with the given mint.
func FungibleToken(t TokenType, mint string) Token {
	return Token{Type: t, Mint: mint}
}

// Validate checks the type/mint combination.
func (t Token) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("unsupported token: %q", t.Type)
	}
	if t.Type.IsNative() && t.Mint != "" {
		return fmt.Errorf("native token %s cannot carry a mint", t.Type)
	}
	if t.Type == TokenCustom && t.Mint == "" {
		return fmt.Errorf("token %s requires token_mint", t.Type)
	}
	return nil
}

// Equal compares type and mint.
func (t Token) Equal(other Token) bool {
	return t.Type == other.Type && t.Mint == other.Mint
}

func (t Token) String() string {
	if t.Mint == "" {
		return string(t.Type)
	}
	return fmt.Sprintf("%s(%s)", t.Type, t.Mint)
}

// PaymentStatus is the lifecycle state of a settlement attempt.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"

	// StatusExpired is kept for wire compatibility; the engine reports
	// expired proofs as nonce_expired errors and never sets it.
	StatusExpired PaymentStatus = "expired"
)

// UnmarshalJSON rejects unknown statuses.
func (s *PaymentStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	switch PaymentStatus(strings.ToLower(raw)) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		*s = PaymentStatus(strings.ToLower(raw))
		return nil
	}
	return fmt.Errorf("unknown payment status: %q", raw)
}

// PaymentChallenge is the demand a resource server sends with a 402.
type PaymentChallenge struct {
	Amount      decimal.Decimal   `json:"amount"`
	Recipient   string            `json:"recipient"`
	Resource    string            `json:"resource"`
	Token       TokenType         `json:"token"`
	TokenMint   string            `json:"token_mint,omitempty"`
	Nonce       string            `json:"nonce"`
	Timestamp   int64             `json:"timestamp"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IssuedAt returns the challenge timestamp as a time.
func (c PaymentChallenge) IssuedAt() time.Time {
	return time.Unix(c.Timestamp, 0)
}

// PaymentToken returns the challenge's token and mint.
func (c PaymentChallenge) PaymentToken() Token {
	return Token{Type: c.Token, Mint: c.TokenMint}
}

// PaymentRequest is a signed payment proof. The signature covers the
// canonical encoding of amount, recipient, resource, nonce and timestamp.
type PaymentRequest struct {
	Amount    decimal.Decimal   `json:"amount"`
	Recipient string            `json:"recipient"`
	Resource  string            `json:"resource"`
	Nonce     string            `json:"nonce"`
	Timestamp int64             `json:"timestamp"`
	Token     TokenType         `json:"token"`
	TokenMint string            `json:"token_mint,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Signature Signature         `json:"signature,omitempty"`
}

// MetadataPayer is the metadata key holding the payer's public key.
const MetadataPayer = "payer"

// NewPaymentRequest copies the challenge fields into an unsigned request.
func NewPaymentRequest(c PaymentChallenge) PaymentRequest {
	req := PaymentRequest{
		Amount:    c.Amount,
		Recipient: c.Recipient,
		Resource:  c.Resource,
		Nonce:     c.Nonce,
		Timestamp: c.Timestamp,
		Token:     c.Token,
		TokenMint: c.TokenMint,
	}
	if len(c.Metadata) > 0 {
		req.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			req.Metadata[k] = v
		}
	}
	return req
}

// Payer returns the declared payer public key, if any.
func (r PaymentRequest) Payer() string {
	return r.Metadata[MetadataPayer]
}

// IssuedAt returns the request timestamp as a time.
func (r PaymentRequest) IssuedAt() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// PaymentToken returns the request's token and mint.
func (r PaymentRequest) PaymentToken() Token {
	return Token{Type: r.Token, Mint: r.TokenMint}
}

// CanonicalFields returns the signed subset of the request.
func (r PaymentRequest) CanonicalFields() CanonicalFields {
	return CanonicalFields{
		Amount:    r.Amount,
		Recipient: r.Recipient,
		Resource:  r.Resource,
		Nonce:     r.Nonce,
		IssuedAt:  r.Timestamp,
	}
}

// PaymentResponse is the outcome of a settlement attempt. It is cached by
// nonce so a retried proof gets the same answer.
type PaymentResponse struct {
	Success       bool          `json:"success"`
	SettlementRef string        `json:"settlement_ref,omitempty"`
	Status        PaymentStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	Error         string        `json:"error,omitempty"`
	Code          string        `json:"code,omitempty"`
	CompletedAt   int64         `json:"completed_at"`
}

// ChallengeParams is the price a route charges. The hosting layer supplies
// it on every Authorize call.
type ChallengeParams struct {
	Amount      decimal.Decimal
	Recipient   string
	Resource    string
	Token       TokenType
	TokenMint   string
	Description string
	Metadata    map[string]string
}

// PaymentToken returns the route's token and mint.
func (p ChallengeParams) PaymentToken() Token {
	return Token{Type: p.Token, Mint: p.TokenMint}
}

// Validate checks that the route price is usable.
func (p ChallengeParams) Validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", p.Amount)
	}
	if p.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if p.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	return p.PaymentToken().Validate()
}

// DecodePaymentChallenge parses a challenge JSON document.
func DecodePaymentChallenge(data []byte) (PaymentChallenge, error) {
	var c PaymentChallenge
	if err := json.Unmarshal(data, &c); err != nil {
		return PaymentChallenge{}, fmt.Errorf("invalid payment challenge: %w", err)
	}
	if !AmountInRange(c.Amount) {
		return PaymentChallenge{}, fmt.Errorf("invalid payment challenge: amount is out of range")
	}
	return c, nil
}

// DecodePaymentResponse parses a response JSON document.
func DecodePaymentResponse(data []byte) (PaymentResponse, error) {
	var r PaymentResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return PaymentResponse{}, fmt.Errorf("invalid payment response: %w", err)
	}
	return r, nil
}
