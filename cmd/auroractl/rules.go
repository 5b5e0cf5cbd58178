package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/auroraguard/internal/rules"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule set files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Compile a rule file and print the evaluation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, version, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			printRules(cmd, version, engine)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printRules(cmd, "built-in", rules.DefaultRules())
			return nil
		},
	})
	return cmd
}

func printRules(cmd *cobra.Command, version string, engine *rules.Engine) {
	out := cmd.OutOrStdout()
	list := engine.Rules()
	fmt.Fprintf(out, "version: %s\n", version)
	fmt.Fprintf(out, "rules:   %d\n", len(list))
	for _, r := range list {
		block := ""
		if r.HardBlock {
			block = " [hard block]"
		}
		fmt.Fprintf(out, "  %4d  %-30s severity=%.2f%s\n", r.Priority, r.ID, r.Severity, block)
	}
}
