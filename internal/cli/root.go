package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	project  string
	logLevel string
}

// NewRootCmd builds the ember command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "ember",
		Short: "Run coding tasks against an LLM with a fixed-size context",
		Long: `Ember executes small coding tasks (fix a lint violation, fix a failing test)
one action at a time. Task state lives on disk under .ember/tasks/, and every
step rebuilds a bounded context from that state, so step 50 costs about the
same as step 1.`,
		SilenceUsage: true,
	}
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("ember version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&flags.project, "project", "C", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config)")

	rootCmd.AddCommand(
		newInitCmd(flags),
		newCreateCmd(flags),
		newRunCmd(flags),
		newStatusCmd(flags),
		newListCmd(flags),
		newDeleteCmd(flags),
		newContextCmd(flags),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	return cmd.Execute()
}
