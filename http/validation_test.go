package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
)

func TestDecodeRequestHeader(t *testing.T) {
	valid := `{"amount":"0.001","recipient":"vault","resource":"/premium","nonce":"abc","timestamp":1700000000,"token":"SOL","metadata":{"payer":"p"},"signature":"deadbeef"}`

	tests := []struct {
		name     string
		header   string
		wantCode string
	}{
		{"empty", "", x402.ErrCodeMalformedProof},
		{"whitespace", "   ", x402.ErrCodeMalformedProof},
		{"not json", "not json at all", x402.ErrCodeMalformedProof},
		{"base64 instead of json", "eyJhbW91bnQiOiIxIn0=", x402.ErrCodeMalformedProof},
		{"malformed json", "{invalid json}", x402.ErrCodeMalformedProof},
		{"missing signature", `{"amount":"1","recipient":"r","resource":"/","nonce":"n","timestamp":1,"token":"SOL"}`, x402.ErrCodeMalformedProof},
		{"unknown token", strings.Replace(valid, `"SOL"`, `"DOGE"`, 1), x402.ErrCodeUnsupportedToken},
		{"too large", "{" + strings.Repeat(" ", MaxProofHeaderBytes) + "}", x402.ErrCodeMalformedProof},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequestHeader(tt.header)
			require.Error(t, err)
			pe, ok := x402.AsPaymentError(err)
			require.True(t, ok, "expected *PaymentError, got %T", err)
			assert.Equal(t, tt.wantCode, pe.Code)
		})
	}

	t.Run("valid", func(t *testing.T) {
		req, err := DecodeRequestHeader(" " + valid + " ")
		require.NoError(t, err)
		assert.Equal(t, "abc", req.Nonce)
		assert.Equal(t, "p", req.Payer())
		assert.Equal(t, "deadbeef", req.Signature.String())
	})
}
