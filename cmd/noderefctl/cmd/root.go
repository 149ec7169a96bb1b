package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xtxerr/noderef/internal/ctl"
)

// RootCmd is the root Cobra command. A nil app creates a new one writing
// to stdout.
func RootCmd(a *ctl.App) *cobra.Command {
	if a == nil {
		a = ctl.New()
	}

	cmd := &cobra.Command{
		Use:           "noderefctl",
		Short:         "noderefctl inspects node references persisted by noderefd.",
		SilenceUsage: true,
	}
	cmd.SetOut(a.Out)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.Params.ConfigPath, "config", "c", "", "collector config file")
	flags.StringVar(&a.Params.Backend, "backend", "", "storage backend (overrides config)")
	flags.StringVar(&a.Params.DSN, "dsn", "", "storage DSN (overrides config)")

	cmd.AddCommand(
		edgesCmd(a),
		lastTimeCmd(a),
		exportCmd(a),
		journalCmd(a),
		shellCmd(a),
	)
	return cmd
}
