package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

// SignerKeyEnv holds the signing key when --key is not given.
const SignerKeyEnv = "X402GATE_SIGNER_KEY"

func newSignCommand() *cobra.Command {
	var (
		key       string
		maxAmount string
	)

	cmd := &cobra.Command{
		Use:   "sign [challenge-json | -]",
		Short: "Answer a payment challenge",
		Long: `Sign a payment challenge and print the X-Payment-Request header value.

The challenge is the X-Payment-Challenge header value. It is read from the
argument, or from stdin when the argument is "-" or missing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv(SignerKeyEnv)
			}
			if key == "" {
				return fmt.Errorf("a signing key is required (--key or %s)", SignerKeyEnv)
			}
			signer, err := parseSigner(key)
			if err != nil {
				return err
			}

			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			challenge, err := x402http.DecodeChallengeHeader(raw)
			if err != nil {
				return err
			}

			var opts []x402http.ClientOption
			if maxAmount != "" {
				limit, err := decimal.NewFromString(maxAmount)
				if err != nil {
					return fmt.Errorf("invalid --max-amount: %w", err)
				}
				opts = append(opts, x402http.WithMaxAmount(limit))
			}
			header, err := x402http.NewClient(signer, opts...).PaymentHeader(challenge)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), header)
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "private key: base58 ed25519 or 0x-hex secp256k1")
	cmd.Flags().StringVar(&maxAmount, "max-amount", "", "refuse challenges above this amount")
	return cmd
}

func parseSigner(key string) (x402.Signer, error) {
	if strings.HasPrefix(key, "0x") {
		return x402.NewEVMSignerFromHex(key)
	}
	return x402.NewEd25519SignerFromBase58(key)
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
