package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meshledger/dag"
	"meshledger/db"
	"meshledger/node"
	"meshledger/repository"
)

// genesis: bootstrap an empty ledger store.
func genesisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "Create the genesis transaction of the configured ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.LevelDB.Path == "" {
				return fmt.Errorf("leveldb.path is empty; an in-memory ledger cannot be bootstrapped")
			}
			ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
			if err != nil {
				return err
			}
			defer ldb.Close()

			tx, err := dag.NewDAG(repository.NewLedgerRepository(ldb)).Genesis()
			if errors.Is(err, dag.ErrDuplicateDigest) {
				fmt.Fprintln(cmd.OutOrStdout(), "ledger already bootstrapped")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tx.Digest)
			return nil
		},
	}
}

// stats: print the ledger statistics of the configured store.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print ledger statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.New(cfg, node.Options{})
			if err != nil {
				return err
			}
			defer n.Close()

			stats, err := n.Stats()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

// prune: drop ledger history older than a horizon.
func pruneCmd() *cobra.Command {
	var horizon time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove transactions older than the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if horizon <= 0 {
				horizon = cfg.Ledger.Retention
			}
			if horizon <= 0 {
				return fmt.Errorf("no horizon: pass --horizon or set ledger.retention")
			}
			if cfg.LevelDB.Path == "" {
				return fmt.Errorf("leveldb.path is empty; nothing to prune")
			}
			n, err := node.New(cfg, node.Options{})
			if err != nil {
				return err
			}
			defer n.Close()

			removed, err := n.PruneBefore(time.Now().Add(-horizon))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d transactions\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&horizon, "horizon", 0, "retention horizon (default ledger.retention)")
	return cmd
}
