package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// VersionCommand prints build information.
func VersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crosstalk %s (commit %s, built %s, %s)\n",
				version, commit, date, runtime.Version())
		},
	}
}
