// Package cmds implements the sawbuck command line tool. The tool is a
// diagnostic surface only; the instrumentation runtime itself is linked as
// a library.
package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/BMGburger/sawbuck/pkg/config"
	"github.com/BMGburger/sawbuck/pkg/logflags"
	"github.com/BMGburger/sawbuck/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// conf is the loaded configuration.
	conf *config.Config
)

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "sawbuck",
		Short: "Sawbuck is the bookkeeping core of a heap memory error detector.",
		Long: `Sawbuck maintains the shadow memory table and the stack capture cache used
by the heap instrumentation runtime. This tool exercises and inspects that
bookkeeping; the runtime itself is linked into instrumented binaries as a
library.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			var err error
			conf, err = config.LoadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v, using defaults\n", err)
			}
			return nil
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging output.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (shadow, stackcache, selftest).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sawbuck runtime\n%s\n", version.SawbuckVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)
	hideInheritedFlags(versionCommand)

	selftestCommand := &cobra.Command{
		Use:   "selftest",
		Short: "Exercises the shadow memory and the stack capture cache.",
		Long: `Runs a scripted allocate/poison/free scenario against a private shadow
instance, prints the shadow dump around the freed block and the cache
statistics, and verifies that block layout introspection round trips.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(selftestCmd())
		},
	}
	rootCommand.AddCommand(selftestCommand)

	return rootCommand
}

var verbose bool

// hideInheritedFlags hides the root logging flags on subcommands where
// they are parsed but not meaningful.
func hideInheritedFlags(cmd *cobra.Command) {
	cmd.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}
