// Package cli implements the credgate command-line interface using Cobra.
// It provides the proxy server plus host-side credential management:
// storing API keys, inspecting tokens, and wiping the store.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/majorcontext/credgate/internal/config"
	"github.com/majorcontext/credgate/internal/log"
)

var (
	verbose bool
	jsonOut bool
	baseDir string
)

var rootCmd = &cobra.Command{
	Use:   "credgate",
	Short: "Credgate - host-side credential proxy for sandboxed processes",
	Long: `Credgate holds OAuth tokens and API keys on the host and serves them to a
sandboxed process over a unix socket. Long-lived secrets (refresh tokens)
never cross into the sandbox; the proxy performs refreshes and login flows
on the sandbox's behalf and hands back only short-lived access tokens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if baseDir == "" {
			baseDir = os.Getenv("CREDGATE_DIR")
		}
		if baseDir == "" {
			baseDir = config.DefaultDir()
		}
		log.Init(log.Options{Verbose: verbose, JSONFormat: jsonOut})
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// storeDir returns where encrypted credentials live.
func storeDir() string {
	return filepath.Join(baseDir, "credentials")
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "credgate state directory (env: CREDGATE_DIR, default: ~/.credgate)")
}
