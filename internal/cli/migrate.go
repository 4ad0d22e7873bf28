package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/db"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(fn func(cmd *cobra.Command, store *db.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := db.OpenDB(rootOpts.Config().DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return fn(cmd, store, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, store *db.DB, _ []string) error {
			migrations, err := db.MigrationsFS()
			if err != nil {
				return err
			}
			if err := store.MigrateUp(migrations); err != nil {
				return err
			}
			return printStatus(cmd, store)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back one migration",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, store *db.DB, _ []string) error {
			migrations, err := db.MigrationsFS()
			if err != nil {
				return err
			}
			if err := store.MigrateDown(migrations); err != nil {
				return err
			}
			return printStatus(cmd, store)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, store *db.DB, _ []string) error {
			return printStatus(cmd, store)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations (clears dirty)",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, store *db.DB, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			migrations, err := db.MigrationsFS()
			if err != nil {
				return err
			}
			if err := store.MigrateForce(migrations, v); err != nil {
				return err
			}
			return printStatus(cmd, store)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "to <version>",
		Short: "Migrate up or down to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, store *db.DB, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("version must be a non-negative integer: %w", err)
			}
			migrations, err := db.MigrationsFS()
			if err != nil {
				return err
			}
			if err := store.MigrateTo(migrations, uint(v)); err != nil {
				return err
			}
			return printStatus(cmd, store)
		}),
	})

	return cmd
}

func printStatus(cmd *cobra.Command, store *db.DB) error {
	migrations, err := db.MigrationsFS()
	if err != nil {
		return err
	}
	status, err := store.GetMigrationStatus(migrations)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), status)
}
