package mcp

import (
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
)

func TestExtractPaymentFromMeta(t *testing.T) {
	data, err := ExtractPaymentFromMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = ExtractPaymentFromMeta(mcpsdk.Meta{PaymentMetaKey: `{"nonce":"n"}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"nonce":"n"}`, string(data))

	data, err = ExtractPaymentFromMeta(mcpsdk.Meta{PaymentMetaKey: map[string]any{"nonce": "n"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"nonce":"n"}`, string(data))
}

func TestAttachPaymentToMeta_CopiesInput(t *testing.T) {
	in := mcpsdk.Meta{"progressToken": "p"}
	out := AttachPaymentToMeta(in, x402.PaymentRequest{Nonce: "n"})
	assert.Len(t, in, 1)
	assert.Equal(t, "p", out["progressToken"])
	assert.Equal(t, "n", out[PaymentMetaKey].(x402.PaymentRequest).Nonce)
}

func TestExtractPaymentResponseFromMeta(t *testing.T) {
	resp, err := ExtractPaymentResponseFromMeta(mcpsdk.Meta{})
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = ExtractPaymentResponseFromMeta(mcpsdk.Meta{
		PaymentResponseMetaKey: x402.PaymentResponse{Success: true, Status: x402.StatusCompleted, SettlementRef: "ref"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ref", resp.SettlementRef)

	resp, err = ExtractPaymentResponseFromMeta(mcpsdk.Meta{
		PaymentResponseMetaKey: map[string]any{"success": false, "status": "failed", "code": "insufficient_funds"},
	})
	require.NoError(t, err)
	assert.Equal(t, x402.StatusFailed, resp.Status)
	assert.Equal(t, "insufficient_funds", resp.Code)
}

func TestExtractChallengeFromResult_TextFallback(t *testing.T) {
	result := &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{
			Text: `{"error":"Payment Required","payment_challenge":{"amount":"0.5","recipient":"vault","resource":"mcp://tool/x","token":"USDC","nonce":"abc","timestamp":1}}`,
		}},
	}
	c, ok := ExtractChallengeFromResult(result)
	require.True(t, ok)
	assert.Equal(t, x402.TokenUSDC, c.Token)
	assert.Equal(t, "abc", c.Nonce)

	result.IsError = false
	_, ok = ExtractChallengeFromResult(result)
	assert.False(t, ok)
}

func TestToolResourceURL(t *testing.T) {
	assert.Equal(t, "mcp://tool/get_weather", ToolResourceURL("get_weather"))
}
