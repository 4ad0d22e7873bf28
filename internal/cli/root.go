// Package cli wires the siloscan subcommands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/config"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/version"
)

// RootOptions holds global flags and the configuration they resolve to.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	cfg        *config.ServiceConfig
	restoreLog func()
}

// Config returns the loaded configuration. Valid after PersistentPreRunE.
func (o *RootOptions) Config() *config.ServiceConfig { return o.cfg }

// NewRootCommand creates the siloscan command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "siloscan",
		Short: "Silo point-cloud ingestion and volume reconstruction",
		Long: `siloscan accepts chunked LiDAR scans of storage silos, assembles each
batch exactly once, and reconstructs the material volume in a background
worker.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.restoreLog != nil {
				opts.restoreLog()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.json, .yaml or .yml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewDeviceCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewReconstructCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (o *RootOptions) setup() error {
	cfg, err := config.LoadOrDefault(o.ConfigPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	logger, err := monitoring.NewLogger(monitoring.LoggerOptions{
		Level:      level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	restore := monitoring.UseZap(logger)
	o.restoreLog = func() {
		_ = logger.Sync()
		restore()
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
