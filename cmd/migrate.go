package cmd

import (
	"fmt"
	"github.com/arcward/osubot/osubot"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := osubot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error migrating database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations complete.")
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
}
