package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
//
// For example:
//
//	kdb --init cmds.txt version
//
// must parse successfully even though the init flag is not applicable
// to the 'version' subcommand.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "help", "version", "log":
		hideAllFlags(cmd)
	case "kdb", "exec":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	for {
		cmd = cmd.Parent()
		if cmd == nil {
			break
		}
		cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
			flag.Hidden = true
		})
	}
}
