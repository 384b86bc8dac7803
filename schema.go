package x402

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"
)

// MaxPaymentRequestBytes caps the size of an encoded payment proof.
const MaxPaymentRequestBytes = 16 << 10

const paymentRequestSchemaJSON = `{
  "type": "object",
  "required": ["amount", "recipient", "resource", "nonce", "timestamp", "token", "signature"],
  "properties": {
    "amount": {"type": ["string", "number"]},
    "recipient": {"type": "string", "minLength": 1},
    "resource": {"type": "string"},
    "nonce": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer"},
    "token": {"type": "string"},
    "token_mint": {"type": ["string", "null"]},
    "metadata": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "string"}
    },
    "signature": {"type": "string", "minLength": 1}
  }
}`

var paymentRequestSchema = mustSchema(paymentRequestSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic("x402: invalid embedded schema: " + err.Error())
	}
	return schema
}

// DecodePaymentRequest parses a payment proof. Structural problems yield a
// malformed_proof error; an unknown token yields unsupported_token.
func DecodePaymentRequest(data []byte) (PaymentRequest, error) {
	if len(data) > MaxPaymentRequestBytes {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request is too large",
			map[string]interface{}{"limit": MaxPaymentRequestBytes})
	}
	if !utf8.Valid(data) {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request is not valid UTF-8", nil)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request must be a JSON object", nil)
	}

	result, err := paymentRequestSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request is not valid JSON", nil)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request failed validation",
			map[string]interface{}{"problems": problems})
	}

	var head struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &head); err == nil {
		if _, err := ParseTokenType(head.Token); err != nil {
			return PaymentRequest{}, NewPaymentError(ErrCodeUnsupportedToken, err.Error(),
				map[string]interface{}{"token": head.Token})
		}
	}

	var req PaymentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request could not be decoded",
			map[string]interface{}{"reason": err.Error()})
	}
	if strings.TrimSpace(req.Nonce) == "" || len(req.Signature) == 0 {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request is missing nonce or signature", nil)
	}
	if !AmountInRange(req.Amount) {
		return PaymentRequest{}, NewPaymentError(ErrCodeMalformedProof, "payment request amount is out of range",
			map[string]interface{}{"max_digits": maxAmountDigits, "max_scale": maxAmountScale})
	}
	return req, nil
}
