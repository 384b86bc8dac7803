package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	x402 "github.com/x402gate/x402"
)

type keyPair struct {
	Scheme     string `json:"scheme"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func newKeygenCommand() *cobra.Command {
	var (
		scheme string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a payer keypair",
		Long: `Generate a keypair for signing payment requests.

Schemes:
  - ed25519: Solana keypair, base58 encoded (default)
  - evm:     secp256k1 key, 0x hex; the public key is the checksummed address`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var kp keyPair
			switch scheme {
			case "ed25519", "solana":
				s, err := x402.GenerateEd25519Signer()
				if err != nil {
					return err
				}
				kp = keyPair{Scheme: "ed25519", PublicKey: s.PublicKey(), PrivateKey: s.PrivateKey()}
			case "evm", "secp256k1":
				s, err := x402.GenerateEVMSigner()
				if err != nil {
					return err
				}
				kp = keyPair{Scheme: "evm", PublicKey: s.PublicKey(), PrivateKey: s.PrivateKey()}
			default:
				return fmt.Errorf("unknown scheme %q", scheme)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(kp)
			}
			fmt.Fprintf(out, "Public key:  %s\n", kp.PublicKey)
			fmt.Fprintf(out, "Private key: %s\n", kp.PrivateKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", "ed25519", "key scheme: ed25519 or evm")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the keypair as JSON")
	return cmd
}
