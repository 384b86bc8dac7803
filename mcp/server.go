package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

// PaymentWrapper charges a fixed price for the tools it wraps.
type PaymentWrapper struct {
	engine *x402.Engine
	params x402.ChallengeParams
}

// NewPaymentWrapper creates a wrapper. An empty params.Resource is filled
// per call with mcp://tool/<name>.
func NewPaymentWrapper(engine *x402.Engine, params x402.ChallengeParams) *PaymentWrapper {
	if engine == nil {
		panic("mcp: NewPaymentWrapper requires an engine")
	}
	return &PaymentWrapper{engine: engine, params: params}
}

// Wrap returns a handler that settles the attached payment before running
// handler. The settlement response is attached to the handler's result.
func (w *PaymentWrapper) Wrap(handler mcpsdk.ToolHandler) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var (
			toolName string
			meta     mcpsdk.Meta
		)
		if req != nil && req.Params != nil {
			toolName = req.Params.Name
			meta = req.Params.Meta
		}

		params := w.params
		if params.Resource == "" {
			params.Resource = ToolResourceURL(toolName)
		}

		var out x402.Outcome
		proof, err := ExtractPaymentFromMeta(meta)
		switch {
		case err != nil:
			out = x402.Outcome{
				StatusCode: http.StatusBadRequest,
				Err:        x402.NewPaymentError(x402.ErrCodeMalformedProof, err.Error(), nil),
			}
		case proof == nil:
			out = w.engine.Authorize(ctx, params, nil)
		default:
			out = w.engine.AuthorizeProof(ctx, params, proof)
		}

		if !out.Allowed {
			return paymentRequiredResult(out)
		}

		result, err := handler(ctx, req)
		if err != nil {
			return result, err
		}
		if result == nil {
			result = &mcpsdk.CallToolResult{}
		}
		if result.Meta == nil {
			result.Meta = mcpsdk.Meta{}
		}
		if out.Response != nil {
			result.Meta[PaymentResponseMetaKey] = *out.Response
		}
		return result, nil
	}
}

// paymentRequiredResult renders a denied outcome as an error result. The
// structured content has the same shape as the HTTP 402 body.
func paymentRequiredResult(out x402.Outcome) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(x402http.OutcomeBody(out))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment required: %w", err)
	}
	var structured map[string]any
	if err := json.Unmarshal(data, &structured); err != nil {
		return nil, fmt.Errorf("failed to unmarshal structured content: %w", err)
	}
	structured["status"] = out.StatusCode

	result := &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		StructuredContent: structured,
		IsError:           true,
	}
	if out.Response != nil {
		result.Meta = mcpsdk.Meta{PaymentResponseMetaKey: *out.Response}
	}
	return result, nil
}
