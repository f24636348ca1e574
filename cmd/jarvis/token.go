package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jarvislabs/jarvis/internal/auth"
)

func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate and hash auth tokens",
		Long: `Token mints bearer tokens for the hub. The dashboard token goes into
auth.token verbatim; machine tokens are stored as SHA-256 hashes under
auth.machine_token_hashes, so hash them before adding.`,
	}

	cmd.AddCommand(buildTokenGenerateCmd(), buildTokenHashCmd())

	return cmd
}

func buildTokenGenerateCmd() *cobra.Command {
	var withHash bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Mint a new random token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			if withHash {
				fmt.Fprintln(out, auth.HashToken(token))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withHash, "hash", false, "also print the hash for machine_token_hashes")

	return cmd
}

func buildTokenHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [token]",
		Short: "Hash a token for machine_token_hashes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				token = promptPassword(bufio.NewReader(os.Stdin), "Token")
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashToken(token))
			return nil
		},
	}
}
