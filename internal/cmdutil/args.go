package cmdutil

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NoArgs rejects positional arguments with a usage hint.
func NoArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return FlagErrorf(
		"%[1]s: '%[2]s' accepts no arguments\n\nUsage:  %[3]s\n\nRun '%[2]s --help' for more information",
		cmd.Root().Name(),
		cmd.CommandPath(),
		cmd.UseLine(),
	)
}
