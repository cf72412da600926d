// Command hiperd is a demo daemon exercising the hiper async runtime end
// to end: it boots a Scheduler/IOManager pair and serves a TCP echo
// facade entirely through the hooked I/O layer (SPEC_FULL.md §10/§12).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "0.1.0-dev"
	buildCommit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "hiperd",
		Short:   "hiperd runs the hiper fiber/reactor async runtime as a standalone daemon",
		Version: fmt.Sprintf("%s (commit %s)", buildVersion, buildCommit),
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print hiperd's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s)\n", buildVersion, buildCommit)
			return nil
		},
	}
}
