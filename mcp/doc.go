// Package mcp charges for MCP (Model Context Protocol) tool calls with x402.
//
// The payment proof travels in the request's _meta["x402/payment"]; the
// settlement response comes back in the result's _meta["x402/payment-response"].
// A call without a valid proof gets an error result whose structured content
// carries a fresh payment challenge.
//
// # Server Usage
//
//	wrapper := mcp.NewPaymentWrapper(engine, x402.ChallengeParams{
//	    Amount:    decimal.RequireFromString("0.001"),
//	    Recipient: vault,
//	    Token:     x402.TokenSOL,
//	})
//	server.AddTool(tool, wrapper.Wrap(func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
//	    return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "result"}}}, nil
//	}))
//
// # Client Usage
//
//	session, _ := mcpClient.Connect(ctx, transport, nil)
//	paying := mcp.NewPaymentClient(session, x402http.NewClient(signer))
//	result, err := paying.CallTool(ctx, "get_weather", map[string]any{"city": "NYC"})
package mcp
