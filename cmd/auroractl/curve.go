package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mbd888/auroraguard/internal/calibration"
)

func curveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curve",
		Short: "Inspect calibration curve artifacts",
	}
	cmd.AddCommand(curveCheckCmd())
	cmd.AddCommand(curveApplyCmd())
	return cmd
}

func curveCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a curve file and print its knots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			curve, err := calibration.LoadFile(args[0])
			if err != nil {
				return err
			}
			expected, _ := cmd.Flags().GetString("expect-version")
			if expected != "" && expected != curve.Version() {
				return fmt.Errorf("curve version %s, expected %s", curve.Version(), expected)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:       %s\n", curve.Version())
			fmt.Fprintf(out, "model_version: %s\n", curve.ModelVersion())
			fmt.Fprintf(out, "knots:         %d\n", len(curve.Points()))
			for _, p := range curve.Points() {
				fmt.Fprintf(out, "  %.4f -> %.4f\n", p.Raw, p.Calibrated)
			}
			return nil
		},
	}
	cmd.Flags().String("expect-version", "", "Fail unless the curve carries this version")
	return cmd
}

func curveApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [file] [probability...]",
		Short: "Map raw probabilities through a curve",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			curve, err := calibration.LoadFile(args[0])
			if err != nil {
				return err
			}
			for _, arg := range args[1:] {
				raw, err := strconv.ParseFloat(arg, 64)
				if err != nil || math.IsNaN(raw) || raw < 0 || raw > 1 {
					return fmt.Errorf("probability %q must be a number in [0,1]", arg)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.4f -> %.4f\n", raw, curve.Apply(raw))
			}
			return nil
		},
	}
}
