// Package config loads the gateway configuration from a YAML file, an
// optional .env file and X402GATE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	x402 "github.com/x402gate/x402"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "X402GATE_"

type Config struct {
	Listen   string `yaml:"listen" validate:"required"`
	Upstream string `yaml:"upstream" validate:"required,url"`
	// Recipient is the vault credited by routes that don't name their own.
	Recipient string `yaml:"recipient"`

	Log     LogConfig     `yaml:"log"`
	Payment PaymentConfig `yaml:"payment"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Nonces  NonceConfig   `yaml:"nonces"`
	Paywall PaywallConfig `yaml:"paywall"`
	Routes  []RouteConfig `yaml:"routes" validate:"dive"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// PaymentConfig tunes the payment engine.
type PaymentConfig struct {
	FreshnessTTL      time.Duration `yaml:"freshness_ttl" validate:"gt=0"`
	NonceRetention    time.Duration `yaml:"nonce_retention" validate:"gte=0"`
	MaxClockSkew      time.Duration `yaml:"max_clock_skew" validate:"gte=0"`
	CacheTTL          time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	SettlementTimeout time.Duration `yaml:"settlement_timeout" validate:"gt=0"`
	CheckBalance      bool          `yaml:"check_balance"`
	IssuerID          string        `yaml:"issuer_id"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory solana postgres"`

	// postgres
	DSN string `yaml:"dsn" validate:"required_if=Driver postgres"`

	// solana
	RPC         string `yaml:"rpc"`
	PayerKey    string `yaml:"payer_key" validate:"required_if=Driver solana"`
	FeePayerKey string `yaml:"fee_payer_key"`
	Commitment  string `yaml:"commitment" validate:"omitempty,oneof=processed confirmed finalized"`

	// memory
	Overdraft bool            `yaml:"overdraft"`
	Deposits  []DepositConfig `yaml:"deposits" validate:"dive"`
}

// DepositConfig seeds a balance. Memory and postgres ledgers only.
type DepositConfig struct {
	Account   string `yaml:"account" validate:"required"`
	Amount    string `yaml:"amount" validate:"required,numeric"`
	Token     string `yaml:"token" validate:"required"`
	TokenMint string `yaml:"token_mint"`
}

type NonceConfig struct {
	Store string `yaml:"store" validate:"oneof=memory postgres sqlite"`
	DSN   string `yaml:"dsn" validate:"required_if=Store postgres"`
	Path  string `yaml:"path" validate:"required_if=Store sqlite"`
}

type PaywallConfig struct {
	AppName string `yaml:"app_name"`
	AppLogo string `yaml:"app_logo"`
	Cluster string `yaml:"cluster"`
}

// RouteConfig prices every request under Path.
type RouteConfig struct {
	Path        string            `yaml:"path" validate:"required,startswith=/"`
	Amount      string            `yaml:"amount" validate:"required,numeric"`
	Token       string            `yaml:"token" validate:"required"`
	TokenMint   string            `yaml:"token_mint"`
	Recipient   string            `yaml:"recipient"`
	Resource    string            `yaml:"resource"`
	Description string            `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata"`
}

// Default returns a development configuration: memory ledger, memory nonce
// store, no priced routes.
func Default() *Config {
	return &Config{
		Listen:   ":8402",
		Upstream: "http://localhost:8080",
		Log:      LogConfig{Level: "info", Format: "json"},
		Payment: PaymentConfig{
			FreshnessTTL:      x402.DefaultFreshnessTTL,
			NonceRetention:    x402.DefaultNonceRetention,
			MaxClockSkew:      x402.DefaultMaxClockSkew,
			CacheTTL:          x402.DefaultCacheTTL,
			SettlementTimeout: x402.DefaultSettlementTimeout,
		},
		Ledger: LedgerConfig{Driver: "memory", RPC: "devnet", Commitment: "confirmed"},
		Nonces: NonceConfig{Store: "memory"},
		Paywall: PaywallConfig{
			AppName: "x402gate",
			Cluster: "devnet",
		},
	}
}

// Load reads path (optional), then envFiles (missing files are skipped),
// then the environment, and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":            &c.Listen,
		"UPSTREAM":          &c.Upstream,
		"RECIPIENT":         &c.Recipient,
		"LOG_LEVEL":         &c.Log.Level,
		"LOG_FORMAT":        &c.Log.Format,
		"ISSUER_ID":         &c.Payment.IssuerID,
		"LEDGER_DRIVER":     &c.Ledger.Driver,
		"LEDGER_DSN":        &c.Ledger.DSN,
		"SOLANA_RPC":        &c.Ledger.RPC,
		"SOLANA_PAYER_KEY":  &c.Ledger.PayerKey,
		"SOLANA_FEE_PAYER":  &c.Ledger.FeePayerKey,
		"SOLANA_COMMITMENT": &c.Ledger.Commitment,
		"NONCE_STORE":       &c.Nonces.Store,
		"NONCE_DSN":         &c.Nonces.DSN,
		"NONCE_PATH":        &c.Nonces.Path,
		"PAYWALL_APP_NAME":  &c.Paywall.AppName,
		"PAYWALL_CLUSTER":   &c.Paywall.Cluster,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FRESHNESS_TTL":      &c.Payment.FreshnessTTL,
		"NONCE_RETENTION":    &c.Payment.NonceRetention,
		"MAX_CLOCK_SKEW":     &c.Payment.MaxClockSkew,
		"CACHE_TTL":          &c.Payment.CacheTTL,
		"SETTLEMENT_TIMEOUT": &c.Payment.SettlementTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"CHECK_BALANCE":    &c.Payment.CheckBalance,
		"LEDGER_OVERDRAFT": &c.Ledger.Overdraft,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every route resolves to a
// usable price.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, r := range c.Routes {
		if _, err := c.RouteParams(r); err != nil {
			return fmt.Errorf("invalid config: routes[%d] %s: %w", i, r.Path, err)
		}
	}
	for i, d := range c.Ledger.Deposits {
		if _, _, err := d.Parse(); err != nil {
			return fmt.Errorf("invalid config: ledger.deposits[%d]: %w", i, err)
		}
	}
	return nil
}

// RouteParams converts r into challenge params, falling back to the
// gateway recipient.
func (c *Config) RouteParams(r RouteConfig) (x402.ChallengeParams, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return x402.ChallengeParams{}, fmt.Errorf("invalid amount %q: %w", r.Amount, err)
	}
	tokenType, err := x402.ParseTokenType(r.Token)
	if err != nil {
		return x402.ChallengeParams{}, err
	}
	recipient := r.Recipient
	if recipient == "" {
		recipient = c.Recipient
	}
	params := x402.ChallengeParams{
		Amount:      amount,
		Recipient:   recipient,
		Resource:    r.Resource,
		Token:       tokenType,
		TokenMint:   r.TokenMint,
		Description: r.Description,
		Metadata:    r.Metadata,
	}
	// Resource is filled per request, so validate with a placeholder.
	check := params
	if check.Resource == "" {
		check.Resource = r.Path
	}
	if err := check.Validate(); err != nil {
		return x402.ChallengeParams{}, err
	}
	return params, nil
}

// Parse returns the deposit's token and amount.
func (d DepositConfig) Parse() (x402.Token, decimal.Decimal, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return x402.Token{}, decimal.Zero, fmt.Errorf("invalid amount %q: %w", d.Amount, err)
	}
	tokenType, err := x402.ParseTokenType(d.Token)
	if err != nil {
		return x402.Token{}, decimal.Zero, err
	}
	return x402.Token{Type: tokenType, Mint: d.TokenMint}, amount, nil
}

// RedactedDSN hides the password in a connection string for logging.
func RedactedDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon >= 0 {
		creds = creds[:colon] + ":***"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}
