package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/isometry/directoryd/internal/config"
	dirsql "github.com/isometry/directoryd/internal/sql"
	"github.com/isometry/directoryd/internal/sql/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the schema of a SQL backend, selected with --backend.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending migrations to the database with locking to prevent concurrent migrations.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, db *bun.DB) error {
			group, err := migrations.Migrate(ctx, db)
			if err != nil {
				return err
			}
			if group.ID == 0 {
				log.Printf("No new migrations to apply")
			} else {
				log.Printf("Applied migration group %d", group.ID)
			}
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	Long:  `Rolls back the most recently applied migration group with locking to prevent concurrent operations.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, db *bun.DB) error {
			group, err := migrations.Rollback(ctx, db)
			if err != nil {
				return err
			}
			if group.ID == 0 {
				log.Printf("No migrations to rollback")
			} else {
				log.Printf("Rolled back migration group %d", group.ID)
			}
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Displays the applied and pending migrations.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, db *bun.DB) error {
			ms, err := migrations.Status(ctx, db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range ms {
				status := "pending"
				if m.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", m.GroupID)
				}
				fmt.Fprintf(out, "%s: %s\n", m.Name, status)
			}
			return nil
		})
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd, dbRollbackCmd, dbStatusCmd)
}

// withDB opens the database of the selected SQL backend for fn.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, db *bun.DB) error) error {
	ctx, cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	bc, err := cfg.Backend(backendID)
	if err != nil {
		return err
	}
	if bc.Type != config.TypeSQL {
		return fmt.Errorf("backend %q is a %s backend, not sql", bc.ID, bc.Type)
	}
	dsn, err := bc.SQLDSN()
	if err != nil {
		return err
	}

	db, err := dirsql.NewDB(ctx, dsn, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	return fn(ctx, db)
}
