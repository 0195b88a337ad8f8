package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/paw-chain/custody/app"
	"github.com/paw-chain/custody/config"
	"github.com/paw-chain/custody/logging"
)

// node is the configuration shared by every subcommand, filled in before it runs
type node struct {
	version string
	config  config.Config
	logger  log.Logger
}

// open wires a node over the local data directory; callers close it
func (n *node) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, n.config, n.logger, n.version)
}

// NewRootCmd creates the custodyd command tree
func NewRootCmd(version string) *cobra.Command {
	n := &node{version: version}

	rootCmd := &cobra.Command{
		Use:   "custodyd",
		Short: "Forensic evidence chain-of-custody daemon",
		Long: `custodyd captures point-in-time system snapshots on incident triggers, seals them
into an append-only hash-chained ledger, verifies the chain on demand and keeps
verified copies replicated across independent storage sites.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			n.config = cfg
			n.logger = logger
			return nil
		},
	}
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		serveCmd(n),
		captureCmd(n),
		listCmd(n),
		showCmd(n),
		reportCmd(n),
		verifyCmd(n),
		recoverCmd(n),
		sitesCmd(n),
		statsCmd(n),
	)
	return rootCmd
}

func printJSON(cmd *cobra.Command, v any) error {
	bz, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bz))
	return err
}
