package gateway

import (
	"context"
	"fmt"
	"io"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"

	x402 "github.com/x402gate/x402"
	"github.com/x402gate/x402/internal/config"
	"github.com/x402gate/x402/ledger/memory"
	pgledger "github.com/x402gate/x402/ledger/postgres"
	"github.com/x402gate/x402/ledger/solana"
	pgstore "github.com/x402gate/x402/store/postgres"
	"github.com/x402gate/x402/store/sqlite"
)

// OpenLedger builds the configured ledger. The returned closer may be nil.
func OpenLedger(ctx context.Context, cfg config.LedgerConfig, logger log.FieldLogger) (x402.Ledger, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		var opts []memory.Option
		if cfg.Overdraft {
			opts = append(opts, memory.WithOverdraft())
		}
		l := memory.New(opts...)
		for _, d := range cfg.Deposits {
			tok, amount, err := d.Parse()
			if err != nil {
				return nil, nil, err
			}
			l.Deposit(d.Account, tok, amount)
		}
		logger.WithField("deposits", len(cfg.Deposits)).Info("using in-memory ledger")
		return l, nil, nil

	case "postgres":
		l, err := pgledger.Open(ctx, cfg.DSN, pgledger.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		for _, d := range cfg.Deposits {
			tok, amount, err := d.Parse()
			if err != nil {
				l.Close()
				return nil, nil, err
			}
			if err := l.Deposit(ctx, d.Account, tok, amount); err != nil {
				l.Close()
				return nil, nil, err
			}
		}
		logger.WithField("dsn", config.RedactedDSN(cfg.DSN)).Info("using postgres ledger")
		return l, l, nil

	case "solana":
		payer, err := solanago.PrivateKeyFromBase58(cfg.PayerKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid solana payer key: %w", err)
		}
		opts := []solana.Option{solana.WithPayerKey(payer), solana.WithLogger(logger)}
		if cfg.FeePayerKey != "" {
			fee, err := solanago.PrivateKeyFromBase58(cfg.FeePayerKey)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid solana fee payer key: %w", err)
			}
			opts = append(opts, solana.WithFeePayer(fee))
		}
		if cfg.Commitment != "" {
			opts = append(opts, solana.WithCommitment(rpc.CommitmentType(cfg.Commitment)))
		}
		endpoint := solana.Endpoint(cfg.RPC)
		logger.WithFields(log.Fields{
			"rpc":   endpoint,
			"payer": payer.PublicKey().String(),
		}).Info("using solana ledger")
		return solana.NewFromEndpoint(endpoint, opts...), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
}

// OpenNonceStore builds the configured nonce store. The engine closes it
// on shutdown.
func OpenNonceStore(ctx context.Context, cfg config.NonceConfig) (x402.NonceStore, error) {
	switch cfg.Store {
	case "", "memory":
		return x402.NewMemoryNonceStore(), nil
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres nonce store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite nonce store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown nonce store %q", cfg.Store)
}
