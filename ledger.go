package x402

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned by a Ledger when the payer cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTransferRejected is returned by a Ledger for any other refused transfer.
	ErrTransferRejected = errors.New("transfer rejected")
)

// TransferRequest describes one settlement.
type TransferRequest struct {
	Payer     string
	Recipient string
	Amount    decimal.Decimal
	Token     Token
	// Nonce and Resource let ledgers tag or deduplicate the transfer.
	Nonce    string
	Resource string
}

// Ledger moves value between accounts. Implementations must honor ctx
// deadlines and wrap ErrInsufficientFunds or ErrTransferRejected so the
// engine can classify failures.
type Ledger interface {
	Balance(ctx context.Context, account string, token Token) (decimal.Decimal, error)
	// Transfer returns a non-empty settlement reference on success.
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// classifySettlementError maps a ledger error to an error code.
func classifySettlementError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeSettlementTimeout
	case errors.Is(err, ErrInsufficientFunds):
		return ErrCodeInsufficientFunds
	default:
		return ErrCodeSettlementRejected
	}
}
