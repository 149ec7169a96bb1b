package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xtxerr/noderef/internal/ctl"
	"github.com/xtxerr/noderef/internal/dao"
)

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().Int32("source", 0, "source application id")
	cmd.Flags().Int32("target", 0, "target application id")
	cmd.Flags().String("peer", "", "target peer address")
	cmd.Flags().String("from", "", "first second, yyyyMMddHHmmss or RFC 3339")
	cmd.Flags().String("to", "", "last second, yyyyMMddHHmmss or RFC 3339")
	cmd.Flags().Int("limit", 0, "maximum rows, 0 for no limit")
}

func edgeQuery(cmd *cobra.Command) (dao.EdgeQuery, error) {
	var q dao.EdgeQuery
	var err error

	if q.SourceApplicationID, err = cmd.Flags().GetInt32("source"); err != nil {
		return q, fmt.Errorf("error reading source: %s", err)
	}
	if q.TargetApplicationID, err = cmd.Flags().GetInt32("target"); err != nil {
		return q, fmt.Errorf("error reading target: %s", err)
	}
	if q.TargetPeer, err = cmd.Flags().GetString("peer"); err != nil {
		return q, fmt.Errorf("error reading peer: %s", err)
	}
	if q.Limit, err = cmd.Flags().GetInt("limit"); err != nil {
		return q, fmt.Errorf("error reading limit: %s", err)
	}

	from, _ := cmd.Flags().GetString("from")
	if q.From, err = ctl.ParseBucket(from); err != nil {
		return q, err
	}
	to, _ := cmd.Flags().GetString("to")
	if q.To, err = ctl.ParseBucket(to); err != nil {
		return q, err
	}
	if q.From != 0 && q.To != 0 && q.From > q.To {
		return q, fmt.Errorf("--from %d is after --to %d", q.From, q.To)
	}
	return q, nil
}

func edgesCmd(a *ctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edges",
		Short: "List persisted node references",
		Example: `  noderefctl edges --source 3 --from 20170801143000 --to 20170801143059
  noderefctl edges --source 3 --peer db-1:5432`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := edgeQuery(cmd)
			if err != nil {
				return err
			}
			return a.Edges(cmd.Context(), q)
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func lastTimeCmd(a *ctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "last-time",
		Short: "Print the last fully synchronized second",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.LastTime(cmd.Context())
		},
	}
}
