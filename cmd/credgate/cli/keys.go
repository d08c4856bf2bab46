package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/majorcontext/credgate/internal/store"
	"github.com/majorcontext/credgate/internal/store/keyring"
	"github.com/majorcontext/credgate/internal/token"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage stored API keys",
	Long: `Manage the API keys the proxy serves read-only to the sandbox.

Keys are only ever written here, on the host; the wire protocol has no
key-write operation.`,
}

var keySetCmd = &cobra.Command{
	Use:   "set <provider>[:<bucket>]",
	Short: "Store an API key",
	Long: `Store an API key for a credential slot.

The key is read from stdin. On a terminal the prompt hides input.

Examples:
  credgate key set openai
  credgate key set anthropic:prod`,
	Args: cobra.ExactArgs(1),
	RunE: runKeySet,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored API key slots",
	Args:  cobra.NoArgs,
	RunE:  runKeyList,
}

var keyRemoveCmd = &cobra.Command{
	Use:   "remove <provider>[:<bucket>]",
	Short: "Remove a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRemove,
}

func init() {
	keyCmd.AddCommand(keySetCmd, keyListCmd, keyRemoveCmd)
	rootCmd.AddCommand(keyCmd)
}

// openStore opens the encrypted credential store for host-side management.
func openStore() (*store.FileStore, error) {
	dir := storeDir()
	key, err := keyring.GetOrCreate(dir)
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	fs, err := store.NewFileStore(dir, key)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return fs, nil
}

// readSecret reads a secret from stdin, hiding input on a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runKeySet(cmd *cobra.Command, args []string) error {
	key, err := token.ParseKey(args[0])
	if err != nil {
		return err
	}
	value, err := readSecret(fmt.Sprintf("API key for %s: ", key))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty key")
	}
	fs, err := openStore()
	if err != nil {
		return err
	}
	if err := fs.SetAPIKey(key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored API key for %s\n", key)
	return nil
}

func runKeyList(cmd *cobra.Command, _ []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	names, err := fs.APIKeys(context.Background())
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No API keys stored.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runKeyRemove(cmd *cobra.Command, args []string) error {
	key, err := token.ParseKey(args[0])
	if err != nil {
		return err
	}
	fs, err := openStore()
	if err != nil {
		return err
	}
	if err := fs.RemoveAPIKey(key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed API key for %s\n", key)
	return nil
}
