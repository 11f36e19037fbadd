package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/rollout/db"
	"github.com/teranos/rollout/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the rollout database",
	Long: `db: manage rollout database operations

Examples:
  rollout db migrate              # Apply pending migrations and list applied versions`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	dbMigrateCmd.Flags().String("path", "", "Database file (default: database.path from config)")
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedMigrations(database)
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	fmt.Println("Applied migrations:")
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
	return nil
}
