// Package cmd implements the x402gate command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the x402gate command tree.
func NewRootCommand() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	root := &cobra.Command{
		Use:   "x402gate",
		Short: "x402 payment gateway",
		Long: `x402gate charges for HTTP resources with the x402 protocol.

It answers unpaid requests to priced routes with 402 Payment Required and a
signed-proof challenge, settles valid proofs through a ledger and forwards
paid requests to the upstream service.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with X402GATE_* overrides")

	root.AddCommand(
		newServeCommand(&configPath, &envFile),
		newKeygenCommand(),
		newSignCommand(),
		newVerifyCommand(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
