package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/fsutil"
	"github.com/siloscan/siloscan/internal/reconstruct"
	"github.com/siloscan/siloscan/internal/units"
	"github.com/siloscan/siloscan/internal/xyz"
)

// NewReconstructCommand creates the offline reconstruct command.
func NewReconstructCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		in        reconstruct.Input
		diameter  float64
		rimHeight float64
		plotPath  string
	)

	cmd := &cobra.Command{
		Use:   "reconstruct <file.xyz>",
		Short: "Run the volume pipeline on a local scan",
		Long: `Run denoising, circle fitting, surface extraction and volume estimation
on an .xyz file and print the result as JSON. Nothing is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read scan: %w", err)
			}
			points, err := xyz.Parse(string(data))
			if err != nil {
				return err
			}

			in.Points = points
			if cmd.Flags().Changed("diameter") {
				in.Diameter = diameter
			}
			if cmd.Flags().Changed("rim-height") {
				in.RimHeight = &rimHeight
			}

			res, err := reconstruct.Reconstruct(in, rootOpts.Config().Reconstruction.Params())
			if err != nil {
				return err
			}
			if plotPath != "" {
				title := fmt.Sprintf("%s  %.1f%%", filepath.Base(args[0]), res.Percentage)
				if err := reconstruct.SavePlot(fsutil.OSFileSystem{}, plotPath, title, res); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().Float64Var(&in.CapacityM3, "capacity", 0, "silo capacity in m3 (required)")
	cmd.Flags().Float64Var(&diameter, "diameter", 0, "inner diameter (default: estimated)")
	cmd.Flags().Float64Var(&rimHeight, "rim-height", 0, "z of the rim (default: highest point)")
	cmd.Flags().StringVar(&in.LengthUnit, "unit", units.CM, "scan length unit ("+units.GetValidLengthUnitsString()+")")
	cmd.Flags().StringVar(&plotPath, "plot", "", "write a diagnostic PNG to this path")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}
