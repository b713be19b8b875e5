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
	Migrations.MustRegister(up_20250101000002, down_20250101000002)
}

// up_20250101000002 indexes the reverse lookups: addresses by owner and
// members by container
func up_20250101000002(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateIndex().
		Model((*models.Email)(nil)).
		Index("emails_name_idx").
		Column("name").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create emails_name_idx: %w", err)
	}

	if _, err := db.NewCreateIndex().
		Model((*models.GroupMember)(nil)).
		Index("group_members_member_of_idx").
		Column("member_of").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create group_members_member_of_idx: %w", err)
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemSQL, "Created lookup indexes")
	return nil
}

// down_20250101000002 drops the lookup indexes
func down_20250101000002(ctx context.Context, db *bun.DB) error {
	for _, idx := range []string{"group_members_member_of_idx", "emails_name_idx"} {
		if _, err := db.NewDropIndex().
			Index(idx).
			IfExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop %s: %w", idx, err)
		}
	}
	return nil
}
