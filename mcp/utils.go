package mcp

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/x402gate/x402"
)

// ToolResourceURL names the resource a tool call pays for.
func ToolResourceURL(toolName string) string {
	return "mcp://tool/" + toolName
}

// ExtractPaymentFromMeta returns the raw JSON proof from _meta, or nil when
// no payment is attached. The proof may be an object or a JSON string.
func ExtractPaymentFromMeta(meta mcpsdk.Meta) ([]byte, error) {
	v, ok := meta[PaymentMetaKey]
	if !ok || v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment data: %w", err)
	}
	return data, nil
}

// AttachPaymentToMeta returns a copy of meta carrying req.
func AttachPaymentToMeta(meta mcpsdk.Meta, req x402.PaymentRequest) mcpsdk.Meta {
	out := make(mcpsdk.Meta, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[PaymentMetaKey] = req
	return out
}

// ExtractPaymentResponseFromMeta decodes the settlement response of a
// result, or returns nil when there is none.
func ExtractPaymentResponseFromMeta(meta mcpsdk.Meta) (*x402.PaymentResponse, error) {
	v, ok := meta[PaymentResponseMetaKey]
	if !ok || v == nil {
		return nil, nil
	}
	if resp, ok := v.(x402.PaymentResponse); ok {
		return &resp, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}
	resp, err := x402.DecodePaymentResponse(data)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExtractChallengeFromResult finds the payment challenge in an error
// result, checking structured content first and then the first text item.
func ExtractChallengeFromResult(result *mcpsdk.CallToolResult) (*x402.PaymentChallenge, bool) {
	if result == nil || !result.IsError {
		return nil, false
	}
	if result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			if c := challengeFromJSON(data); c != nil {
				return c, true
			}
		}
	}
	if len(result.Content) > 0 {
		if text, ok := result.Content[0].(*mcpsdk.TextContent); ok && text.Text != "" {
			if c := challengeFromJSON([]byte(text.Text)); c != nil {
				return c, true
			}
		}
	}
	return nil, false
}

func challengeFromJSON(data []byte) *x402.PaymentChallenge {
	var body struct {
		PaymentChallenge *x402.PaymentChallenge `json:"payment_challenge"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil
	}
	return body.PaymentChallenge
}
