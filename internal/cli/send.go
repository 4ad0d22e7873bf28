package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/httputil"
	"github.com/siloscan/siloscan/internal/sender"
)

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	var server, device, batch string
	var lines int

	cmd := &cobra.Command{
		Use:   "send <file.xyz>",
		Short: "Upload a point-cloud file in fragments",
		Long: `Split an .xyz file (one "x y z" point per line) into fragments and upload
them to the ingestion endpoint. The batch id defaults to
<device>_<YYYYMMDD>_<HHMM> in the configured timezone, so two sends in the
same minute collide; pass --batch to tell them apart. Resending the same
batch is safe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := rootOpts.Config().Sender
			if server != "" {
				sc.ServerURL = server
			}
			if device != "" {
				sc.DeviceID = device
			}
			if lines > 0 {
				sc.LinesPerChunk = lines
			}

			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read scan: %w", err)
			}

			s, err := sender.New(sender.Options{
				ServerURL:     sc.ServerURL,
				DeviceID:      sc.DeviceID,
				LinesPerChunk: sc.LinesPerChunk,
				Timezone:      sc.Timezone,
				MaxRetries:    sc.MaxRetries,
				RetryDelay:    sc.RetryDelay.D(),
				Client:        httputil.NewStandardClient(sc.Timeout.D()),
			})
			if err != nil {
				return err
			}

			rep, err := s.Send(cmd.Context(), batch, string(payload))
			if rep != nil {
				if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "upload URL (overrides config)")
	cmd.Flags().StringVar(&device, "device", "", "device id (overrides config)")
	cmd.Flags().StringVar(&batch, "batch", "", "batch id (default: derived from device and minute)")
	cmd.Flags().IntVar(&lines, "lines", 0, "points per fragment (overrides config)")
	return cmd
}
