package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xtxerr/noderef/internal/ctl"
)

func exportCmd(a *ctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export persisted node references to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := edgeQuery(cmd)
			if err != nil {
				return err
			}
			compression, _ := cmd.Flags().GetString("compression")
			return a.Export(cmd.Context(), q, args[0], compression)
		},
	}
	addQueryFlags(cmd)
	cmd.Flags().String("compression", "", "zstd, snappy, lz4, gzip or none (overrides config)")
	return cmd
}

func journalCmd(a *ctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Summarize deltas waiting in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return a.Journal(dir)
		},
	}
	cmd.Flags().String("dir", "", "journal directory (overrides config)")
	return cmd
}
