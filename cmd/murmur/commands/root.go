package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"murmur/internal/config"
)

var (
	configFile string
	trustDB    string
)

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "murmur",
		Short:         "End-to-end encrypted terminal chat",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "f", "", "path to the client TOML config")
	root.PersistentFlags().StringVar(&trustDB, "trust-db", "", "bbolt file caching peer keys (overrides Node.TrustDB)")

	root.AddCommand(chatCmd(), fingerprintCmd(), peersCmd(), versionCmd())
	return root
}

// loadConfig reads --config, or the defaults when it is unset, and applies
// the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	if trustDB != "" {
		cfg.Node.TrustDB = trustDB
	}
	return cfg, nil
}
