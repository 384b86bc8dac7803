package x402

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// CanonicalFields is the signed subset of a payment request.
type CanonicalFields struct {
	Amount    decimal.Decimal
	Recipient string
	Resource  string
	Nonce     string
	IssuedAt  int64
}

// canonicalDocument fixes key order: amount, nonce, recipient, resource,
// timestamp. Amount is rendered as a normalized decimal string so that
// 1.0, 1.00 and "1" encode identically.
type canonicalDocument struct {
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Recipient string `json:"recipient"`
	Resource  string `json:"resource"`
	Timestamp int64  `json:"timestamp"`
}

const (
	maxAmountScale  = 18
	maxAmountDigits = 38
)

// AmountInRange reports whether d can be rendered canonically without an
// unbounded expansion: its exponent stays within ±18 and its coefficient
// within 38 digits.
func AmountInRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	return exp >= -maxAmountScale && exp <= maxAmountScale && d.NumDigits() <= maxAmountDigits
}

// CanonicalAmount renders an amount without trailing zeros or exponent.
func CanonicalAmount(d decimal.Decimal) string {
	return d.String()
}

// Encode returns the byte string that is signed and verified. Equal
// field values always produce identical bytes.
func (f CanonicalFields) Encode() []byte {
	doc := canonicalDocument{
		Amount:    CanonicalAmount(f.Amount),
		Nonce:     f.Nonce,
		Recipient: f.Recipient,
		Resource:  f.Resource,
		Timestamp: f.IssuedAt,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings and an int64 cannot fail.
	_ = enc.Encode(doc)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// Fingerprint identifies a proof by its canonical bytes and signature. Two
// submissions under the same nonce with different fingerprints are distinct
// proofs.
func Fingerprint(canonical []byte, sig Signature) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write(sig)
	return hex.EncodeToString(h.Sum(nil))
}
