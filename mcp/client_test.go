package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

// wireCaller sends params through JSON to a server-side handler, the way
// a real session would.
type wireCaller struct {
	handler mcpsdk.ToolHandler
	calls   int
}

func (w *wireCaller) CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	w.calls++
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var raw mcpsdk.CallToolParamsRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	result, err := w.handler(ctx, &mcpsdk.CallToolRequest{Params: &raw})
	if err != nil || result == nil || result.Meta == nil {
		return result, err
	}
	metaJSON, err := json.Marshal(result.Meta)
	if err != nil {
		return nil, err
	}
	var meta mcpsdk.Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, err
	}
	result.Meta = meta
	return result, nil
}

func TestPaymentClient_PaysChallenge(t *testing.T) {
	engine, _, signer := setup(t)
	calls := 0
	caller := &wireCaller{handler: NewPaymentWrapper(engine, toolParams()).Wrap(weatherHandler(&calls))}

	var asked PaymentRequiredContext
	client := NewPaymentClient(caller, x402http.NewClient(signer), WithPaymentApproval(func(pc PaymentRequiredContext) (bool, error) {
		asked = pc
		return true, nil
	}))

	out, err := client.CallTool(context.Background(), "get_weather", map[string]any{"city": "NYC"})
	require.NoError(t, err)
	assert.True(t, out.PaymentMade)
	assert.False(t, out.Result.IsError)
	require.NotNil(t, out.PaymentResponse)
	assert.True(t, out.PaymentResponse.Success)
	assert.Equal(t, 2, caller.calls)
	assert.Equal(t, 1, calls)

	assert.Equal(t, "get_weather", asked.ToolName)
	assert.Equal(t, "NYC", asked.Arguments["city"])
	assert.Equal(t, "mcp://tool/get_weather", asked.Challenge.Resource)
}

func TestPaymentClient_FreeTool(t *testing.T) {
	_, _, signer := setup(t)
	calls := 0
	caller := &wireCaller{handler: weatherHandler(&calls)}

	out, err := NewPaymentClient(caller, x402http.NewClient(signer)).CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.False(t, out.PaymentMade)
	assert.Nil(t, out.PaymentResponse)
	assert.Equal(t, 1, caller.calls)
}

func TestPaymentClient_Declined(t *testing.T) {
	engine, _, signer := setup(t)
	calls := 0
	caller := &wireCaller{handler: NewPaymentWrapper(engine, toolParams()).Wrap(weatherHandler(&calls))}

	client := NewPaymentClient(caller, x402http.NewClient(signer), WithPaymentApproval(func(PaymentRequiredContext) (bool, error) {
		return false, nil
	}))
	_, err := client.CallTool(context.Background(), "get_weather", nil)
	assert.True(t, errors.Is(err, ErrPaymentDeclined))
	assert.Equal(t, 1, caller.calls)
	assert.Zero(t, calls)
}

func TestPaymentClient_OverLimit(t *testing.T) {
	engine, _, signer := setup(t)
	calls := 0
	caller := &wireCaller{handler: NewPaymentWrapper(engine, toolParams()).Wrap(weatherHandler(&calls))}

	payer := x402http.NewClient(signer, x402http.WithMaxAmount(decimal.RequireFromString("0.001")))
	_, err := NewPaymentClient(caller, payer).CallTool(context.Background(), "get_weather", nil)
	assert.ErrorIs(t, err, x402http.ErrAmountExceedsLimit)
	assert.Zero(t, calls)
}

func TestPaymentClient_FailedSettlementIsReturned(t *testing.T) {
	engine, ledger, signer := setup(t)
	params := toolParams()
	params.Amount = decimal.NewFromInt(5)
	calls := 0
	caller := &wireCaller{handler: NewPaymentWrapper(engine, params).Wrap(weatherHandler(&calls))}

	out, err := NewPaymentClient(caller, x402http.NewClient(signer)).CallTool(context.Background(), "get_weather", nil)
	require.NoError(t, err)
	assert.True(t, out.PaymentMade)
	assert.True(t, out.Result.IsError)
	require.NotNil(t, out.PaymentResponse)
	assert.Equal(t, x402.ErrCodeInsufficientFunds, out.PaymentResponse.Code)
	assert.Equal(t, 2, caller.calls)
	assert.Empty(t, ledger.Settlements())
}
