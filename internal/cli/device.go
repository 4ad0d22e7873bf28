package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/units"
)

// NewDeviceCommand creates the device registry commands.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Provision and list silo devices",
	}
	cmd.AddCommand(newDeviceAddCommand(rootOpts), newDeviceListCommand(rootOpts))
	return cmd
}

func newDeviceAddCommand(rootOpts *RootOptions) *cobra.Command {
	var d db.Device
	var diameter, rimHeight float64

	cmd := &cobra.Command{
		Use:   "add <device-id>",
		Short: "Register or update a device",
		Long: `Register a silo. Diameter and rim height are in the scanner's length
unit. Without --diameter the circle radius is estimated from the scan; without
--rim-height the highest point of each scan is used as the lid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.DeviceID = args[0]
			if cmd.Flags().Changed("diameter") {
				d.Diameter = &diameter
			}
			if cmd.Flags().Changed("rim-height") {
				d.RimHeight = &rimHeight
			}

			store, err := db.NewDB(rootOpts.Config().DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.UpsertDevice(cmd.Context(), &d); err != nil {
				return err
			}
			saved, err := store.GetDevice(cmd.Context(), d.DeviceID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), saved)
		},
	}

	cmd.Flags().Float64Var(&d.CapacityM3, "capacity", 0, "silo capacity in m3 (required)")
	cmd.Flags().Float64Var(&diameter, "diameter", 0, "inner diameter")
	cmd.Flags().Float64Var(&rimHeight, "rim-height", 0, "z of the silo rim in scan coordinates")
	cmd.Flags().StringVar(&d.LengthUnit, "unit", units.CM, "scan length unit ("+units.GetValidLengthUnitsString()+")")
	cmd.Flags().StringVar(&d.PlantType, "plant-type", "", "plant type")
	cmd.Flags().StringVar(&d.Province, "province", "", "province")
	cmd.Flags().StringVar(&d.SiteCode, "site", "", "site code")
	cmd.Flags().StringVar(&d.SiloNo, "silo-no", "", "silo number at the site")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}

func newDeviceListCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices with their latest volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewDB(rootOpts.Config().DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), devices)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tCAPACITY_M3\tUNIT\tLATEST_PCT\tLATEST_BATCH")
			for _, dev := range devices {
				pct, batch := "-", "-"
				if v, err := store.LatestVolume(cmd.Context(), dev.DeviceID); err == nil {
					pct = fmt.Sprintf("%.1f", v.VolumePercentage)
					batch = v.BatchID
				}
				fmt.Fprintf(tw, "%s\t%.3f\t%s\t%s\t%s\n", dev.DeviceID, dev.CapacityM3, dev.LengthUnit, pct, batch)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
