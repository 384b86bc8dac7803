// Package memory is an in-process Ledger for development gateways and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	x402 "github.com/x402gate/x402"
)

// Settlement is a completed in-memory transfer.
type Settlement struct {
	Ref       string
	Request   x402.TransferRequest
	SettledAt time.Time
}

type accountKey struct {
	account string
	token   x402.Token
}

// Ledger keeps balances per (account, token) in memory.
type Ledger struct {
	mu          sync.Mutex
	balances    map[accountKey]decimal.Decimal
	settlements []Settlement
	// Overdraft lets payers without a deposit go negative. Useful for demos.
	overdraft bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithOverdraft allows balances to go negative.
func WithOverdraft() Option {
	return func(l *Ledger) {
		l.overdraft = true
	}
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{balances: make(map[accountKey]decimal.Decimal)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits an account.
func (l *Ledger) Deposit(account string, token x402.Token, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := accountKey{account, token}
	l.balances[key] = l.balances[key].Add(amount)
}

// Balance implements x402.Ledger.
func (l *Ledger) Balance(ctx context.Context, account string, token x402.Token) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountKey{account, token}], nil
}

// Transfer implements x402.Ledger.
func (l *Ledger) Transfer(ctx context.Context, req x402.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", x402.ErrTransferRejected)
	}
	if req.Payer == "" || req.Recipient == "" {
		return "", fmt.Errorf("%w: payer and recipient are required", x402.ErrTransferRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := accountKey{req.Payer, req.Token}
	to := accountKey{req.Recipient, req.Token}
	if !l.overdraft && l.balances[from].LessThan(req.Amount) {
		return "", fmt.Errorf("%w: %s has %s %s, needs %s", x402.ErrInsufficientFunds,
			req.Payer, l.balances[from], req.Token, req.Amount)
	}
	l.balances[from] = l.balances[from].Sub(req.Amount)
	l.balances[to] = l.balances[to].Add(req.Amount)

	ref := "mem-" + uuid.NewString()
	l.settlements = append(l.settlements, Settlement{Ref: ref, Request: req, SettledAt: time.Now()})
	return ref, nil
}

// Settlements returns a copy of all completed transfers.
func (l *Ledger) Settlements() []Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Settlement, len(l.settlements))
	copy(out, l.settlements)
	return out
}
