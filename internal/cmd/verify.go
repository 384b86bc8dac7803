package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

type verifyResult struct {
	Valid     bool   `json:"valid"`
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Resource  string `json:"resource"`
	Nonce     string `json:"nonce"`
}

func newVerifyCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "verify [request-json | -]",
		Short: "Check a payment request signature offline",
		Long: `Check that an X-Payment-Request value is well formed and signed by the
payer it names. Freshness, replay and settlement are not checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			req, err := x402http.DecodeRequestHeader(raw)
			if err != nil {
				return err
			}
			if err := x402.VerifyRequest(req, x402.NewMultiVerifier()); err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			res := verifyResult{
				Valid:     true,
				Payer:     req.Payer(),
				Amount:    x402.CanonicalAmount(req.Amount),
				Token:     req.PaymentToken().String(),
				Recipient: req.Recipient,
				Resource:  req.Resource,
				Nonce:     req.Nonce,
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(res)
			}
			fmt.Fprintf(out, "valid signature from %s: %s %s to %s for %s\n",
				res.Payer, res.Amount, res.Token, res.Recipient, res.Resource)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
