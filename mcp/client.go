package mcp

import (
	"context"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402http "github.com/x402gate/x402/http"
)

// ErrPaymentDeclined is returned when the approval callback refuses to pay.
var ErrPaymentDeclined = errors.New("payment declined")

// PaymentClient calls tools and pays their challenges once.
type PaymentClient struct {
	caller  ToolCaller
	payer   *x402http.Client
	approve func(PaymentRequiredContext) (bool, error)
}

// ClientOption configures a PaymentClient.
type ClientOption func(*PaymentClient)

// WithPaymentApproval asks fn before paying a challenge.
func WithPaymentApproval(fn func(PaymentRequiredContext) (bool, error)) ClientOption {
	return func(c *PaymentClient) {
		c.approve = fn
	}
}

// NewPaymentClient wraps caller, signing challenges with payer.
func NewPaymentClient(caller ToolCaller, payer *x402http.Client, opts ...ClientOption) *PaymentClient {
	c := &PaymentClient{caller: caller, payer: payer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallTool calls name. When the tool answers with a payment challenge the
// call is repeated once with a signed proof in _meta.
func (c *PaymentClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	result, err := c.caller.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	challenge, ok := ExtractChallengeFromResult(result)
	if !ok {
		return c.finish(result, false)
	}

	if c.approve != nil {
		approved, err := c.approve(PaymentRequiredContext{ToolName: name, Arguments: args, Challenge: *challenge})
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, fmt.Errorf("%w: %s", ErrPaymentDeclined, name)
		}
	}

	req, err := c.payer.Pay(*challenge)
	if err != nil {
		return nil, fmt.Errorf("cannot fulfill payment challenge: %w", err)
	}
	result, err = c.caller.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      AttachPaymentToMeta(nil, req),
	})
	if err != nil {
		return nil, err
	}
	return c.finish(result, true)
}

func (c *PaymentClient) finish(result *mcpsdk.CallToolResult, paid bool) (*ToolCallResult, error) {
	out := &ToolCallResult{Result: result, PaymentMade: paid}
	if result != nil {
		resp, err := ExtractPaymentResponseFromMeta(result.Meta)
		if err != nil {
			return nil, err
		}
		out.PaymentResponse = resp
	}
	return out, nil
}
