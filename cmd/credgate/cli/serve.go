package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/credgate/internal/config"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/providers/oauth2dev"
	"github.com/majorcontext/credgate/internal/proxy"
	"github.com/majorcontext/credgate/internal/store"
	"github.com/majorcontext/credgate/internal/store/keyring"
)

// stopGrace is how long in-flight requests get to finish on shutdown.
const stopGrace = 5 * time.Second

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the credential proxy",
	Long: `Run the credential proxy until interrupted.

The proxy creates a fresh unix socket endpoint, prints its path to stdout,
and serves the credential slots named by the manifest's scopes. Point the
sandboxed process at the endpoint via the CREDGATE_SOCKET environment
variable.

Example manifest (credgate.yaml):

  scopes:
    - github
    - openai:prod
  providers:
    - name: github
      client_id: Iv1.abcdef
      token_url: https://github.com/login/oauth/access_token
      device_auth_url: https://github.com/login/device/code`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "manifest path (default: <dir>/credgate.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath := serveConfigPath
	if cfgPath == "" {
		cfgPath = filepath.Join(baseDir, "credgate.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	dir := cfg.StoreDir
	if dir == "" {
		dir = storeDir()
	}
	key, err := keyring.GetOrCreate(dir)
	if err != nil {
		return fmt.Errorf("getting encryption key: %w", err)
	}
	fs, err := store.NewFileStore(dir, key)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	locker, err := store.NewFileLocker(dir)
	if err != nil {
		return fmt.Errorf("opening lock dir: %w", err)
	}

	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		registry.Register(oauth2dev.New(pc))
	}

	srv, err := proxy.New(proxy.Options{
		Store:      fs,
		Keys:       fs,
		Locker:     locker,
		Providers:  registry,
		Scopes:     config.NewScopeSet(cfg.Scopes),
		SocketDir:  cfg.SocketDir,
		SessionTTL: cfg.SessionTTL.Std(),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	// The launcher reads the endpoint from stdout.
	fmt.Fprintln(cmd.OutOrStdout(), srv.SocketPath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	graceCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return srv.Stop(graceCtx)
}
