package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/db"
)

// NewQueueCommand creates the queue inspection commands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the reconstruction queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count pending, claimed, parked and processed scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			store, err := db.NewDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.GetQueueStats(cmd.Context(), time.Now(), cfg.LeaseTimeout.D(), cfg.MaxAttempts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <batch-id>",
		Short: "Reset the attempts of a parked scan so workers retry it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewDB(rootOpts.Config().DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RequeueScan(cmd.Context(), args[0]); err != nil {
				return err
			}
			st, err := store.GetBatchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	})

	return cmd
}
