package http

import (
	"strings"

	x402 "github.com/x402gate/x402"
)

// MaxProofHeaderBytes caps the X-Payment-Request value accepted for
// decoding.
const MaxProofHeaderBytes = x402.MaxPaymentRequestBytes

// DecodeRequestHeader validates and decodes an X-Payment-Request value.
// Every failure is a *x402.PaymentError with code malformed_proof, or
// unsupported_token for an unknown token.
func DecodeRequestHeader(value string) (x402.PaymentRequest, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return x402.PaymentRequest{}, x402.NewPaymentError(x402.ErrCodeMalformedProof, "payment header is empty", nil)
	}
	return x402.DecodePaymentRequest([]byte(value))
}
