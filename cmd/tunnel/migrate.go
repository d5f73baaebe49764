package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tunnel.report/internal/tunneldb"
	"github.com/banshee-data/tunnel.report/internal/version"
)

// NewMigrateCmd creates the migrate command group.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the metadata database schema",
		Long: `Migrate applies or rolls back the embedded schema migrations of the metadata
database. Opening the database for ingest or watch already migrates it up.`,
	}
	cmd.AddCommand(
		newMigrateStep("up", "Apply all pending migrations", (*tunneldb.DB).MigrateUp),
		newMigrateStep("down", "Roll back the most recent migration", (*tunneldb.DB).MigrateDown),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(cmd, func(db *tunneldb.DB) error {
					return printSchemaVersion(cmd, db)
				})
			},
		},
	)
	return cmd
}

func newMigrateStep(use, short string, step func(*tunneldb.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, func(db *tunneldb.DB) error {
				if err := step(db); err != nil {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				return printSchemaVersion(cmd, db)
			})
		},
	}
}

func withDB(cmd *cobra.Command, fn func(*tunneldb.DB) error) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	db, err := e.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func printSchemaVersion(cmd *cobra.Command, db *tunneldb.DB) error {
	v, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, state)
	return nil
}

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
