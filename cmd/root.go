// Package cmd defines the hpcgw command tree.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/config"
	"github.com/JakeFAU/hpc-gateway/internal/logging"
)

// rootOptions carries state shared by every subcommand. PersistentPreRunE
// fills cfg and logger before a subcommand's RunE runs.
type rootOptions struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "hpcgw",
		Short: "HTTP gateway to HPC job schedulers and the user's files.",
		Long: `hpcgw serves a small REST API on behalf of one user: it submits, lists and
cancels jobs on the configured clusters and exposes the user's home directory
(and scratch space) through a sandboxed file API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML); HPCGW_* env vars override it")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newClustersCmd(opts))

	return cmd
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return fmt.Errorf("hpcgw: %w", err)
	}
	return nil
}
