package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/credgate/internal/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and remove stored OAuth tokens",
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens by slot",
	Args:  cobra.NoArgs,
	RunE:  runTokenList,
}

var tokenShowCmd = &cobra.Command{
	Use:   "show <provider>[:<bucket>]",
	Short: "Show a stored token's metadata",
	Long: `Show expiry and refreshability for a stored token.

Secret values are never printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenShow,
}

var tokenRemoveCmd = &cobra.Command{
	Use:   "remove <provider>[:<bucket>]",
	Short: "Remove a stored token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenRemove,
}

func init() {
	tokenCmd.AddCommand(tokenListCmd, tokenShowCmd, tokenRemoveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenList(cmd *cobra.Command, _ []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	providers, err := fs.Providers(ctx)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tokens stored.")
		return nil
	}
	for _, p := range providers {
		buckets, err := fs.Buckets(ctx, p)
		if err != nil {
			return err
		}
		for _, b := range buckets {
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", p, b)
		}
	}
	return nil
}

func runTokenShow(cmd *cobra.Command, args []string) error {
	key, err := token.ParseKey(args[0])
	if err != nil {
		return err
	}
	fs, err := openStore()
	if err != nil {
		return err
	}
	tok, err := fs.Get(context.Background(), key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Slot:        %s\n", key)
	if tok.Expiry == 0 {
		fmt.Fprintln(out, "Expiry:      none")
	} else {
		fmt.Fprintf(out, "Expiry:      %s", tok.ExpiresAt().Format(time.RFC3339))
		if tok.Valid(time.Now()) {
			fmt.Fprintln(out, " (valid)")
		} else {
			fmt.Fprintln(out, " (expired)")
		}
	}
	fmt.Fprintf(out, "Refreshable: %t\n", tok.RefreshToken != "")
	if tok.Scope != "" {
		fmt.Fprintf(out, "Scope:       %s\n", tok.Scope)
	}
	return nil
}

func runTokenRemove(cmd *cobra.Command, args []string) error {
	key, err := token.ParseKey(args[0])
	if err != nil {
		return err
	}
	fs, err := openStore()
	if err != nil {
		return err
	}
	if err := fs.Remove(context.Background(), key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed token for %s\n", key)
	return nil
}
