package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshledger/config"
	"meshledger/logger"
)

var (
	configFile string
	cfg        *config.Config
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshledger",
		Short:         "Mesh relay node with a local relay-work ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configFile)
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default "+config.DefaultFile+")")

	root.AddCommand(serveCmd(), genesisCmd(), statsCmd(), pruneCmd())
	return root
}
