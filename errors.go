package x402

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// PaymentError is a protocol-level rejection with a stable code.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any PaymentError with the same code, so the Err* values below
// work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	if e == nil {
		return false
	}
	var pe *PaymentError
	if !errors.As(target, &pe) || pe == nil {
		return false
	}
	return pe.Code == e.Code
}

// StatusCode returns the HTTP status for the error's code.
func (e *PaymentError) StatusCode() int {
	return StatusCodeFor(e.Code)
}

// Error codes
const (
	ErrCodeMalformedProof      = "malformed_proof"
	ErrCodeUnsupportedToken    = "unsupported_token"
	ErrCodeTokenMismatch       = "token_mismatch"
	ErrCodeAmountBelowRequired = "amount_below_required"
	ErrCodeRecipientMismatch   = "recipient_mismatch"
	ErrCodeResourceMismatch    = "resource_mismatch"
	ErrCodeNonceExpired        = "nonce_expired"
	ErrCodeNonceReplayed       = "nonce_replayed"
	ErrCodeInvalidSignature    = "invalid_signature"
	ErrCodeInsufficientFunds   = "insufficient_funds"
	ErrCodeSettlementRejected  = "settlement_rejected"
	ErrCodeSettlementTimeout   = "settlement_timeout"
	ErrCodeSettlementPending   = "settlement_pending"
	ErrCodeInvalidRouteConfig  = "invalid_route_config"
	ErrCodeRegistryUnavailable = "registry_unavailable"
)

var (
	ErrMalformedProof      = &PaymentError{Code: ErrCodeMalformedProof}
	ErrUnsupportedToken    = &PaymentError{Code: ErrCodeUnsupportedToken}
	ErrTokenMismatch       = &PaymentError{Code: ErrCodeTokenMismatch}
	ErrAmountBelowRequired = &PaymentError{Code: ErrCodeAmountBelowRequired}
	ErrRecipientMismatch   = &PaymentError{Code: ErrCodeRecipientMismatch}
	ErrResourceMismatch    = &PaymentError{Code: ErrCodeResourceMismatch}
	ErrNonceExpired        = &PaymentError{Code: ErrCodeNonceExpired}
	ErrNonceReplayed       = &PaymentError{Code: ErrCodeNonceReplayed}
	ErrInvalidSignature    = &PaymentError{Code: ErrCodeInvalidSignature}
	ErrSettlementRejected  = &PaymentError{Code: ErrCodeSettlementRejected}
	ErrSettlementTimeout   = &PaymentError{Code: ErrCodeSettlementTimeout}
	ErrSettlementPending   = &PaymentError{Code: ErrCodeSettlementPending}
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// StatusCodeFor maps an error code to its HTTP status. Structural and
// pricing problems are 400; anything the payer can fix with a new
// challenge or more funds is 402.
func StatusCodeFor(code string) int {
	switch code {
	case ErrCodeMalformedProof,
		ErrCodeUnsupportedToken,
		ErrCodeTokenMismatch,
		ErrCodeAmountBelowRequired,
		ErrCodeRecipientMismatch,
		ErrCodeResourceMismatch:
		return http.StatusBadRequest
	case ErrCodeInvalidRouteConfig:
		return http.StatusInternalServerError
	case ErrCodeRegistryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusPaymentRequired
	}
}

// AsPaymentError extracts a *PaymentError from err.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

var (
	credentialURL = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)
	apiKeyParam   = regexp.MustCompile(`(?i)((?:api[-_]?key|token|secret|access[-_]?key)=)[^&\s"']+`)
)

// redact strips credentials from error text before it leaves the process.
func redact(s string) string {
	s = credentialURL.ReplaceAllString(s, "${1}***@")
	return apiKeyParam.ReplaceAllString(s, "${1}***")
}
