// Package postgres is an off-chain credit Ledger backed by PostgreSQL.
//
// Every settlement is one double-entry transfer: a row in x402_transfers,
// a debit and a credit in x402_ledger_entries, and the matching balance
// updates, all in a single transaction. Account rows are locked in a
// deterministic order so concurrent settlements never deadlock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402gate/x402"
	"github.com/x402gate/x402/internal/database"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS x402_accounts (
		account    TEXT        NOT NULL,
		token      TEXT        NOT NULL,
		mint       TEXT        NOT NULL DEFAULT '',
		balance    NUMERIC     NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (account, token, mint)
	)`,
	`CREATE TABLE IF NOT EXISTS x402_transfers (
		id         BIGSERIAL   PRIMARY KEY,
		nonce      TEXT        UNIQUE,
		payer      TEXT        NOT NULL,
		recipient  TEXT        NOT NULL,
		token      TEXT        NOT NULL,
		mint       TEXT        NOT NULL DEFAULT '',
		amount     NUMERIC     NOT NULL,
		resource   TEXT        NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS x402_ledger_entries (
		id          BIGSERIAL   PRIMARY KEY,
		transfer_id BIGINT      NOT NULL REFERENCES x402_transfers (id),
		account     TEXT        NOT NULL,
		token       TEXT        NOT NULL,
		mint        TEXT        NOT NULL DEFAULT '',
		delta       NUMERIC     NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS x402_ledger_entries_account_idx
		ON x402_ledger_entries (account, token, mint)`,
}

// DB is the subset of *pgxpool.Pool the ledger needs.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ledger implements x402.Ledger on PostgreSQL.
type Ledger struct {
	db     DB
	logger logrus.FieldLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for settlement records.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New wraps an existing pool or connection.
func New(db DB, opts ...Option) *Ledger {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	l := &Ledger{db: db, logger: discard}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects to dsn, applies the schema and returns a ledger owning
// the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Ledger, error) {
	pool, err := database.OpenPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	l := New(pool, opts...)
	if err := l.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// Migrate creates the ledger tables if they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the pool when the ledger owns one.
func (l *Ledger) Close() error {
	if pool, ok := l.db.(*pgxpool.Pool); ok {
		pool.Close()
	}
	return nil
}

// Deposit credits account, creating it when needed.
func (l *Ledger) Deposit(ctx context.Context, account string, token x402.Token, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	_, err := l.db.Exec(ctx,
		`INSERT INTO x402_accounts (account, token, mint, balance) VALUES ($1, $2, $3, $4::numeric)
		 ON CONFLICT (account, token, mint)
		 DO UPDATE SET balance = x402_accounts.balance + EXCLUDED.balance, updated_at = now()`,
		account, string(token.Type), token.Mint, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("deposit failed: %w", err)
	}
	return nil
}

// Balance implements x402.Ledger. Unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, account string, token x402.Token) (decimal.Decimal, error) {
	var raw string
	err := l.db.QueryRow(ctx,
		"SELECT balance::text FROM x402_accounts WHERE account = $1 AND token = $2 AND mint = $3",
		account, string(token.Type), token.Mint,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance query failed: %w", err)
	}
	return decimal.NewFromString(raw)
}

// Transfer implements x402.Ledger. The returned reference is the
// transfer row id.
func (l *Ledger) Transfer(ctx context.Context, req x402.TransferRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", x402.ErrTransferRejected)
	}
	if req.Payer == "" || req.Recipient == "" {
		return "", fmt.Errorf("%w: payer and recipient are required", x402.ErrTransferRejected)
	}
	token, mint := string(req.Token.Type), req.Token.Mint

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("tx begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		"INSERT INTO x402_accounts (account, token, mint) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		req.Recipient, token, mint,
	)
	if err != nil {
		return "", fmt.Errorf("recipient account failed: %w", err)
	}

	var payerBalance decimal.Decimal
	for _, account := range lockOrder(req.Payer, req.Recipient) {
		var raw string
		err = tx.QueryRow(ctx,
			"SELECT balance::text FROM x402_accounts WHERE account = $1 AND token = $2 AND mint = $3 FOR UPDATE",
			account, token, mint,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s has no %s account", x402.ErrInsufficientFunds, account, req.Token)
		}
		if err != nil {
			return "", fmt.Errorf("lock acquisition failed: %w", err)
		}
		if account == req.Payer {
			if payerBalance, err = decimal.NewFromString(raw); err != nil {
				return "", fmt.Errorf("balance decode failed: %w", err)
			}
		}
	}

	if payerBalance.LessThan(req.Amount) {
		return "", fmt.Errorf("%w: %s has %s %s, needs %s", x402.ErrInsufficientFunds,
			req.Payer, payerBalance, req.Token, req.Amount)
	}

	var transferID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO x402_transfers (nonce, payer, recipient, token, mint, amount, resource)
		 VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6::numeric, $7) RETURNING id`,
		req.Nonce, req.Payer, req.Recipient, token, mint, req.Amount.String(), req.Resource,
	).Scan(&transferID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("%w: nonce %s already settled", x402.ErrTransferRejected, req.Nonce)
		}
		return "", fmt.Errorf("transfer insert failed: %w", err)
	}

	amount := req.Amount.String()
	_, err = tx.Exec(ctx,
		`INSERT INTO x402_ledger_entries (transfer_id, account, token, mint, delta)
		 VALUES ($1, $2, $4, $5, -($6::numeric)), ($1, $3, $4, $5, $6::numeric)`,
		transferID, req.Payer, req.Recipient, token, mint, amount,
	)
	if err != nil {
		return "", fmt.Errorf("ledger entry failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE x402_accounts SET balance = balance - $1::numeric, updated_at = now()
		 WHERE account = $2 AND token = $3 AND mint = $4`,
		amount, req.Payer, token, mint,
	)
	if err != nil {
		return "", fmt.Errorf("debit failed: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE x402_accounts SET balance = balance + $1::numeric, updated_at = now()
		 WHERE account = $2 AND token = $3 AND mint = $4`,
		amount, req.Recipient, token, mint,
	)
	if err != nil {
		return "", fmt.Errorf("credit failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tx commit failed: %w", err)
	}

	ref := settlementRef(transferID)
	l.logger.WithFields(logrus.Fields{
		"settlement_ref": ref,
		"payer":          req.Payer,
		"nonce":          req.Nonce,
	}).Debug("ledger transfer committed")
	return ref, nil
}

func settlementRef(id int64) string {
	return fmt.Sprintf("pg-%d", id)
}

// lockOrder returns the distinct accounts sorted so every transaction
// takes row locks in the same order.
func lockOrder(a, b string) []string {
	switch {
	case a == b:
		return []string{a}
	case a > b:
		return []string{b, a}
	default:
		return []string{a, b}
	}
}
