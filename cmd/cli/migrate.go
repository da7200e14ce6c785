package main

import (
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"github.com/spf13/cobra"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return pg.Migrate(cfg.PostgresWrite(), dir(cfg.MigrationsDir))
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return pg.MigrationStatus(cfg.PostgresWrite(), dir(cfg.MigrationsDir))
	},
}

func dir(fallback string) string {
	if migrationsDir != "" {
		return migrationsDir
	}
	return fallback
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory (default MIGRATIONS_DIR)")
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
}
