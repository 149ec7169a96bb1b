package cmd

import (
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/xtxerr/noderef/internal/ctl"
)

func shellCmd(a *ctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("shell needs a terminal on stdin")
			}

			fmt.Fprintln(a.Out, "noderefctl shell, type exit to quit")
			p := prompt.New(
				func(line string) {
					if err := runLine(a, line); err != nil {
						fmt.Fprintf(a.Out, "error: %v\n", err)
					}
				},
				completer(a),
				prompt.OptionPrefix("noderef> "),
				prompt.OptionTitle("noderefctl"),
				prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
					return breakline && isExit(in)
				}),
			)
			p.Run()
			return nil
		},
	}
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true
	}
	return false
}

// runLine runs one shell line as a noderefctl command line. Global flags
// given to the shell apply to every line.
func runLine(a *ctl.App, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 || isExit(line) {
		return nil
	}
	if args[0] == "shell" {
		return fmt.Errorf("already in the shell")
	}

	params := *a.Params
	root := RootCmd(&ctl.App{Params: &params, Out: a.Out, Now: a.Now})
	root.SetArgs(args)
	root.SilenceErrors = true
	return root.Execute()
}

func completer(a *ctl.App) prompt.Completer {
	root := RootCmd(&ctl.App{Params: &ctl.Params{}, Out: a.Out, Now: a.Now})

	return func(d prompt.Document) []prompt.Suggest {
		args := strings.Fields(d.TextBeforeCursor())
		word := d.GetWordBeforeCursor()

		if len(args) == 0 || (len(args) == 1 && word != "") {
			var s []prompt.Suggest
			for _, c := range root.Commands() {
				if c.Name() == "shell" || c.Hidden || !c.IsAvailableCommand() {
					continue
				}
				s = append(s, prompt.Suggest{Text: c.Name(), Description: c.Short})
			}
			s = append(s, prompt.Suggest{Text: "exit", Description: "Leave the shell"})
			return prompt.FilterHasPrefix(s, word, true)
		}

		if !strings.HasPrefix(word, "-") {
			return nil
		}
		sub, _, err := root.Find(args[:1])
		if err != nil {
			return nil
		}
		var s []prompt.Suggest
		sub.Flags().VisitAll(func(f *pflag.Flag) {
			s = append(s, prompt.Suggest{Text: "--" + f.Name, Description: f.Usage})
		})
		return prompt.FilterHasPrefix(s, word, true)
	}
}
