package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hpc-gateway/internal/cluster"
)

func newClustersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clusters",
		Short: "Print the submission-enabled clusters from clusters.dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := cluster.NewRegistry(opts.cfg.Clusters.Dir, opts.logger)
			if err != nil {
				return fmt.Errorf("load clusters: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tADAPTER\tLOGIN HOST")
			for _, c := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Title, c.Adapter, c.LoginHost)
			}
			return tw.Flush()
		},
	}
}
