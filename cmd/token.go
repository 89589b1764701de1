package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hpc-gateway/internal/server"
	"github.com/JakeFAU/hpc-gateway/internal/token"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a token and print its secret once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), opts, func(store token.Store) error {
				tok, secret, err := store.Create(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("create token: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:     %s\n", tok.ID)
				fmt.Fprintf(out, "name:   %s\n", tok.Name)
				fmt.Fprintf(out, "secret: %s\n", secret)
				fmt.Fprintln(out, "The secret is not shown again.")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tokens without their secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTokens(cmd.Context(), opts, func(store token.Store) error {
				tokens, err := store.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("list tokens: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED\tLAST USED")
				for _, t := range tokens {
					lastUsed := "never"
					if t.LastUsedAt != nil {
						lastUsed = t.LastUsedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.CreatedAt.Format(time.RFC3339), lastUsed)
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke ID",
		Short: "Delete a token; unknown ids are ignored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), opts, func(store token.Store) error {
				if err := store.Destroy(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("revoke token: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func withTokens(ctx context.Context, opts *rootOptions, fn func(token.Store) error) error {
	store, closeFn, err := server.OpenTokens(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(store)
}
