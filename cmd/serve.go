package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hpc-gateway/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Starts the gateway on server.port. SIGINT and SIGTERM drain in-flight
requests and exit; SIGHUP re-reads the cluster definitions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := server.NewApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("initialize gateway: %w", err)
			}
			defer app.Close()
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run gateway: %w", err)
			}
			return nil
		},
	}
}
