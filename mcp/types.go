package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/x402gate/x402"
)

// Protocol constants for MCP x402 payment integration.
const (
	// PaymentRequiredCode mirrors HTTP 402 in tool error results.
	PaymentRequiredCode = 402

	// PaymentMetaKey is the _meta key for the payment proof (client → server).
	PaymentMetaKey = "x402/payment"

	// PaymentResponseMetaKey is the _meta key for the settlement response (server → client).
	PaymentResponseMetaKey = "x402/payment-response"
)

// PaymentRequiredContext is passed to the client's approval callback.
type PaymentRequiredContext struct {
	ToolName  string
	Arguments map[string]any
	Challenge x402.PaymentChallenge
}

// ToolCallResult is a tool result plus what the client paid for it.
type ToolCallResult struct {
	Result          *mcpsdk.CallToolResult
	PaymentResponse *x402.PaymentResponse
	PaymentMade     bool
}

// ToolCaller is the client side of an MCP session. *mcpsdk.ClientSession
// satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}
