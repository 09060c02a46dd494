package main

import (
	"github.com/spf13/cobra"
)

var devLog bool

// NewRootCmd builds the root cobra.Command, mirroring the corpus's
// "SilenceErrors/SilenceUsage + hidden help subcommand" idiom
// (hashmap-kz-katomik's NewRootCmd) rather than kilroy's hand-rolled
// os.Args switch.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "neurareport",
		Short:         "Template-driven report generation: verify, map, build, and run reports.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Use: "no-help", Hidden: true})

	root.PersistentFlags().BoolVar(&devLog, "dev-log", false, "use a human-readable development logger instead of structured JSON")

	root.AddCommand(newRunCmd())
	root.AddCommand(newJobCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newServeCmd())
	return root
}
