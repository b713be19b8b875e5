package migrations

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/uptrace/bun"

	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/sql/models"
)

func init() {
	Migrations.MustRegister(up_20250101000001, down_20250101000001)
}

var directoryTables = []any{
	(*models.Principal)(nil),
	(*models.Email)(nil),
	(*models.GroupMember)(nil),
	(*models.Domain)(nil),
}

// up_20250101000001 creates the principals, emails, group_members and
// domains tables
func up_20250101000001(ctx context.Context, db *bun.DB) error {
	for _, model := range directoryTables {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemSQL, "Created directory tables")
	return nil
}

// down_20250101000001 drops the directory tables
func down_20250101000001(ctx context.Context, db *bun.DB) error {
	for i := len(directoryTables) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().
			Model(directoryTables[i]).
			IfExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table for %T: %w", directoryTables[i], err)
		}
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemSQL, "Dropped directory tables")
	return nil
}
