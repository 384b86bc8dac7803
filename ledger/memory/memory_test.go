package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
)

func TestLedger_Transfer(t *testing.T) {
	ctx := context.Background()
	l := New()
	sol := x402.NativeToken()
	l.Deposit("alice", sol, decimal.RequireFromString("1"))

	ref, err := l.Transfer(ctx, x402.TransferRequest{
		Payer:     "alice",
		Recipient: "vault",
		Amount:    decimal.RequireFromString("0.25"),
		Token:     sol,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	bal, err := l.Balance(ctx, "alice", sol)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("0.75")))

	bal, err = l.Balance(ctx, "vault", sol)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("0.25")))

	require.Len(t, l.Settlements(), 1)
	assert.Equal(t, ref, l.Settlements()[0].Ref)
}

func TestLedger_TransferErrors(t *testing.T) {
	ctx := context.Background()
	usdc := x402.FungibleToken(x402.TokenUSDC, "mint")

	tests := []struct {
		name    string
		req     x402.TransferRequest
		wantErr error
	}{
		{
			name:    "insufficient",
			req:     x402.TransferRequest{Payer: "bob", Recipient: "vault", Amount: decimal.NewFromInt(5), Token: usdc},
			wantErr: x402.ErrInsufficientFunds,
		},
		{
			name:    "zero amount",
			req:     x402.TransferRequest{Payer: "bob", Recipient: "vault", Amount: decimal.Zero, Token: usdc},
			wantErr: x402.ErrTransferRejected,
		},
		{
			name:    "missing payer",
			req:     x402.TransferRequest{Recipient: "vault", Amount: decimal.NewFromInt(1), Token: usdc},
			wantErr: x402.ErrTransferRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			l.Deposit("bob", usdc, decimal.NewFromInt(1))
			_, err := l.Transfer(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestLedger_Overdraft(t *testing.T) {
	l := New(WithOverdraft())
	_, err := l.Transfer(context.Background(), x402.TransferRequest{
		Payer: "carol", Recipient: "vault", Amount: decimal.NewFromInt(2), Token: x402.NativeToken(),
	})
	require.NoError(t, err)
	bal, _ := l.Balance(context.Background(), "carol", x402.NativeToken())
	assert.True(t, bal.Equal(decimal.NewFromInt(-2)))
}

func TestLedger_TokensAreSeparate(t *testing.T) {
	l := New()
	l.Deposit("alice", x402.NativeToken(), decimal.NewFromInt(1))
	bal, err := l.Balance(context.Background(), "alice", x402.FungibleToken(x402.TokenUSDC, "mint"))
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestLedger_ConcurrentTransfersNeverOverdraw(t *testing.T) {
	l := New()
	sol := x402.NativeToken()
	l.Deposit("alice", sol, decimal.NewFromInt(10))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Transfer(context.Background(), x402.TransferRequest{
				Payer: "alice", Recipient: "vault", Amount: decimal.NewFromInt(1), Token: sol,
			})
		}()
	}
	wg.Wait()

	bal, _ := l.Balance(context.Background(), "alice", sol)
	assert.True(t, bal.IsZero())
	assert.Len(t, l.Settlements(), 10)
}

func TestLedger_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(WithOverdraft()).Transfer(ctx, x402.TransferRequest{
		Payer: "a", Recipient: "b", Amount: decimal.NewFromInt(1), Token: x402.NativeToken(),
	})
	assert.ErrorIs(t, err, context.Canceled)
}
