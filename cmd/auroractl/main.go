// Command auroractl validates and inspects decision-engine artifacts and
// sends test transactions to a running engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "auroractl",
		Short:         "AuroraGuard operator tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(curveCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(decideCmd())

	return rootCmd
}
