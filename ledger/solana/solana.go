// Package solana settles payments on Solana. SOL moves with a system
// transfer; SPL tokens move with TransferChecked between associated token
// accounts. The ledger signs for payers whose keys it holds (custodial hot
// wallets); any other payer is rejected.
package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402gate/x402"
)

// NativeDecimals is the number of decimals of a lamport amount.
const NativeDecimals = 9

// DefaultMints are the mainnet mints of the named tokens.
var DefaultMints = map[x402.TokenType]string{
	x402.TokenUSDC: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	x402.TokenUSDT: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	x402.TokenBONK: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
	x402.TokenWIF:  "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm",
}

// RPCClient is the subset of *rpc.Client the ledger uses.
type RPCClient interface {
	GetBalance(ctx context.Context, account solanago.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solanago.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solanago.Transaction, opts rpc.TransactionOpts) (solanago.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solanago.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Ledger settles transfers through a Solana RPC node.
type Ledger struct {
	rpc          RPCClient
	payers       map[string]solanago.PrivateKey
	feePayer     *solanago.PrivateKey
	mints        map[x402.TokenType]string
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPayerKey lets the ledger sign transfers for the key's public address.
func WithPayerKey(key solanago.PrivateKey) Option {
	return func(l *Ledger) {
		l.payers[key.PublicKey().String()] = key
	}
}

// WithFeePayer pays transaction fees from a separate account.
func WithFeePayer(key solanago.PrivateKey) Option {
	return func(l *Ledger) {
		l.feePayer = &key
	}
}

// WithMint overrides the mint used for a named token.
func WithMint(t x402.TokenType, mint string) Option {
	return func(l *Ledger) {
		l.mints[t] = mint
	}
}

// WithCommitment sets the commitment a transfer must reach. Default confirmed.
func WithCommitment(c rpc.CommitmentType) Option {
	return func(l *Ledger) {
		l.commitment = c
	}
}

// WithPollInterval sets how often signature status is polled.
func WithPollInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) {
		l.logger = log
	}
}

// New creates a ledger over client.
func New(client RPCClient, opts ...Option) *Ledger {
	l := &Ledger{
		rpc:          client,
		payers:       make(map[string]solanago.PrivateKey),
		mints:        make(map[x402.TokenType]string, len(DefaultMints)),
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: 500 * time.Millisecond,
	}
	for t, m := range DefaultMints {
		l.mints[t] = m
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		l.logger = discard
	}
	return l
}

// NewFromEndpoint creates a ledger talking to an RPC endpoint URL.
func NewFromEndpoint(endpoint string, opts ...Option) *Ledger {
	return New(rpc.New(endpoint), opts...)
}

// Endpoint maps a cluster name to its public RPC URL. Unknown names are
// treated as URLs.
func Endpoint(cluster string) string {
	switch cluster {
	case "mainnet", "mainnet-beta":
		return rpc.MainNetBeta_RPC
	case "devnet", "":
		return rpc.DevNet_RPC
	case "testnet":
		return rpc.TestNet_RPC
	case "localnet":
		return rpc.LocalNet_RPC
	default:
		return cluster
	}
}

// Balance implements x402.Ledger.
func (l *Ledger) Balance(ctx context.Context, account string, tok x402.Token) (decimal.Decimal, error) {
	owner, err := solanago.PublicKeyFromBase58(account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid account %q: %w", account, err)
	}

	if tok.Type.IsNative() {
		res, err := l.rpc.GetBalance(ctx, owner, l.commitment)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
		}
		return fromBaseUnits(new(big.Int).SetUint64(res.Value), NativeDecimals), nil
	}

	mint, err := l.mintFor(tok)
	if err != nil {
		return decimal.Zero, err
	}
	ata, _, err := solanago.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to find associated token account: %w", err)
	}
	amount, decimals, err := l.tokenBalance(ctx, ata)
	if err != nil {
		if isAccountMissing(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return fromBaseUnits(amount, decimals), nil
}

// Transfer implements x402.Ledger. The returned reference is the
// transaction signature.
func (l *Ledger) Transfer(ctx context.Context, req x402.TransferRequest) (string, error) {
	payerKey, ok := l.payers[req.Payer]
	if !ok {
		return "", fmt.Errorf("%w: no signing authority for payer %s", x402.ErrTransferRejected, req.Payer)
	}
	payer := payerKey.PublicKey()
	recipient, err := solanago.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return "", fmt.Errorf("%w: invalid recipient: %v", x402.ErrTransferRejected, err)
	}

	var ix solanago.Instruction
	if req.Token.Type.IsNative() {
		lamports, err := toBaseUnits(req.Amount, NativeDecimals)
		if err != nil {
			return "", err
		}
		ix = system.NewTransferInstruction(lamports, payer, recipient).Build()
	} else {
		ix, err = l.tokenTransfer(ctx, payer, recipient, req)
		if err != nil {
			return "", err
		}
	}

	latest, err := l.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	feePayer := payer
	if l.feePayer != nil {
		feePayer = l.feePayer.PublicKey()
	}
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{ix},
		latest.Value.Blockhash,
		solanago.TransactionPayer(feePayer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transaction: %v", x402.ErrTransferRejected, err)
	}
	_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer) {
			return &payerKey
		}
		if l.feePayer != nil && key.Equals(l.feePayer.PublicKey()) {
			return l.feePayer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign transaction: %v", x402.ErrTransferRejected, err)
	}

	sig, err := l.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: l.commitment})
	if err != nil {
		return "", classify(err)
	}
	l.logger.WithFields(logrus.Fields{
		"signature": sig.String(),
		"nonce":     req.Nonce,
	}).Debug("transaction submitted")

	if err := l.awaitConfirmation(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (l *Ledger) tokenTransfer(ctx context.Context, payer, recipient solanago.PublicKey, req x402.TransferRequest) (solanago.Instruction, error) {
	mint, err := l.mintFor(req.Token)
	if err != nil {
		return nil, err
	}
	source, _, err := solanago.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find payer token account: %v", x402.ErrTransferRejected, err)
	}
	destination, _, err := solanago.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find recipient token account: %v", x402.ErrTransferRejected, err)
	}

	have, decimals, err := l.tokenBalance(ctx, source)
	if err != nil {
		if isAccountMissing(err) {
			return nil, fmt.Errorf("%w: payer has no %s token account", x402.ErrInsufficientFunds, req.Token.Type)
		}
		return nil, err
	}
	units, err := toBaseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}
	if have.Cmp(new(big.Int).SetUint64(units)) < 0 {
		return nil, fmt.Errorf("%w: payer holds %s, needs %s", x402.ErrInsufficientFunds,
			fromBaseUnits(have, decimals), req.Amount)
	}

	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(units).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(payer).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build transfer instruction: %v", x402.ErrTransferRejected, err)
	}
	return ix, nil
}

func (l *Ledger) tokenBalance(ctx context.Context, account solanago.PublicKey) (*big.Int, uint8, error) {
	res, err := l.rpc.GetTokenAccountBalance(ctx, account, l.commitment)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get token balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return nil, 0, errors.New("could not find account: empty token balance result")
	}
	amount, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok {
		return nil, 0, fmt.Errorf("invalid token amount %q", res.Value.Amount)
	}
	return amount, res.Value.Decimals, nil
}

func (l *Ledger) awaitConfirmation(ctx context.Context, sig solanago.Signature) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		res, err := l.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			l.logger.WithError(err).WithField("signature", sig.String()).Debug("status poll failed")
		} else if res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return classify(fmt.Errorf("transaction %s failed: %v", sig, status.Err))
			}
			if l.reached(status.ConfirmationStatus) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Ledger) reached(status rpc.ConfirmationStatusType) bool {
	switch l.commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}

func (l *Ledger) mintFor(tok x402.Token) (solanago.PublicKey, error) {
	mint := tok.Mint
	if mint == "" {
		mint = l.mints[tok.Type]
	}
	if mint == "" {
		return solanago.PublicKey{}, fmt.Errorf("%w: no mint configured for %s", x402.ErrTransferRejected, tok.Type)
	}
	pk, err := solanago.PublicKeyFromBase58(mint)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("%w: invalid mint %q: %v", x402.ErrTransferRejected, mint, err)
	}
	return pk, nil
}

// toBaseUnits converts a decimal amount to integer base units. Amounts
// finer than the token's precision are rejected rather than rounded.
func toBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s exceeds %d decimal places", x402.ErrTransferRejected, amount, decimals)
	}
	n := shifted.BigInt()
	if n.Sign() <= 0 || !n.IsUint64() {
		return 0, fmt.Errorf("%w: amount %s out of range", x402.ErrTransferRejected, amount)
	}
	return n.Uint64(), nil
}

func fromBaseUnits(n *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(n, -int32(decimals))
}

func isAccountMissing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "Account does not exist")
}

// classify wraps an RPC or transaction error in the ledger sentinel the
// engine understands.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"insufficient funds", "insufficient lamports", "insufficientfunds", "custom program error: 0x1"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", x402.ErrInsufficientFunds, err)
		}
	}
	return fmt.Errorf("%w: %v", x402.ErrTransferRejected, err)
}
