// Package http binds the x402 engine to HTTP: header encoding, the
// WWW-Authenticate challenge, response bodies for 402 and error outcomes,
// and a paying client.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	x402 "github.com/x402gate/x402"
)

// Re-exported header names.
const (
	HeaderPaymentChallenge = x402.HeaderPaymentChallenge
	HeaderPaymentRequest   = x402.HeaderPaymentRequest
	HeaderPaymentResponse  = x402.HeaderPaymentResponse
	HeaderWWWAuthenticate  = "WWW-Authenticate"
)

// Adapter extracts what the engine needs from a framework's request.
type Adapter interface {
	// ProofHeader returns the raw X-Payment-Request value, or "".
	ProofHeader(r *http.Request) string
	// ResourceID names the resource being paid for.
	ResourceID(r *http.Request) string
}

// PathAdapter uses the request path as the resource id.
type PathAdapter struct{}

func (PathAdapter) ProofHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderPaymentRequest))
}

func (PathAdapter) ResourceID(r *http.Request) string {
	return r.URL.Path
}

// ChallengeBody is the JSON body of a 402.
type ChallengeBody struct {
	Error            string                 `json:"error"`
	Message          string                 `json:"message"`
	Code             string                 `json:"code,omitempty"`
	PaymentChallenge *x402.PaymentChallenge `json:"payment_challenge,omitempty"`
	PaymentResponse  *x402.PaymentResponse  `json:"payment_response,omitempty"`
}

// ErrorBody is the JSON body of a 400, 500 or 503 outcome.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// EncodeChallengeHeader renders a challenge for X-Payment-Challenge.
func EncodeChallengeHeader(c x402.PaymentChallenge) (string, error) {
	return encodeHeader(c)
}

// DecodeChallengeHeader parses an X-Payment-Challenge value.
func DecodeChallengeHeader(value string) (x402.PaymentChallenge, error) {
	if strings.TrimSpace(value) == "" {
		return x402.PaymentChallenge{}, fmt.Errorf("payment challenge header is empty")
	}
	return x402.DecodePaymentChallenge([]byte(value))
}

// EncodeRequestHeader renders a signed request for X-Payment-Request.
func EncodeRequestHeader(req x402.PaymentRequest) (string, error) {
	return encodeHeader(req)
}

// EncodeResponseHeader renders a settlement response for X-Payment-Response.
func EncodeResponseHeader(resp x402.PaymentResponse) (string, error) {
	return encodeHeader(resp)
}

// DecodeResponseHeader parses an X-Payment-Response value.
func DecodeResponseHeader(value string) (x402.PaymentResponse, error) {
	if strings.TrimSpace(value) == "" {
		return x402.PaymentResponse{}, fmt.Errorf("payment response header is empty")
	}
	return x402.DecodePaymentResponse([]byte(value))
}

// WWWAuthenticate returns the challenge line, e.g. x402 amount="0.001", token="SOL".
func WWWAuthenticate(c x402.PaymentChallenge) string {
	return fmt.Sprintf(`x402 amount="%s", token="%s"`, x402.CanonicalAmount(c.Amount), c.Token)
}

func encodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// OutcomeHeaders returns the x402 headers an outcome carries.
func OutcomeHeaders(o x402.Outcome) (map[string]string, error) {
	headers := make(map[string]string, 3)
	if o.Challenge != nil {
		value, err := EncodeChallengeHeader(*o.Challenge)
		if err != nil {
			return nil, fmt.Errorf("failed to encode challenge: %w", err)
		}
		headers[HeaderPaymentChallenge] = value
		headers[HeaderWWWAuthenticate] = WWWAuthenticate(*o.Challenge)
	}
	if o.Response != nil {
		value, err := EncodeResponseHeader(*o.Response)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payment response: %w", err)
		}
		headers[HeaderPaymentResponse] = value
	}
	return headers, nil
}

// OutcomeBody returns the JSON body for an outcome that denies access.
func OutcomeBody(o x402.Outcome) interface{} {
	if o.StatusCode == http.StatusPaymentRequired {
		body := ChallengeBody{
			Error:            "Payment Required",
			PaymentChallenge: o.Challenge,
			PaymentResponse:  o.Response,
		}
		switch {
		case o.Err != nil:
			body.Message = o.Err.Message
			body.Code = o.Err.Code
		case o.Challenge != nil:
			body.Message = o.Challenge.Description
		}
		return body
	}

	body := ErrorBody{Error: http.StatusText(o.StatusCode)}
	if o.Err != nil {
		body.Error = o.Err.Message
		body.Code = o.Err.Code
		body.Details = o.Err.Details
	}
	return body
}

// SetOutcomeHeaders copies the outcome's x402 headers onto h.
func SetOutcomeHeaders(h http.Header, o x402.Outcome) error {
	headers, err := OutcomeHeaders(o)
	if err != nil {
		return err
	}
	for k, v := range headers {
		h.Set(k, v)
	}
	return nil
}

// WriteOutcome writes a denied outcome as JSON. For allowed outcomes it
// only sets X-Payment-Response; the caller then runs the handler.
func WriteOutcome(w http.ResponseWriter, o x402.Outcome) {
	if err := SetOutcomeHeaders(w.Header(), o); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error(), Code: "internal_error"})
		return
	}
	if o.Allowed {
		return
	}
	writeJSON(w, o.StatusCode, OutcomeBody(o))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
