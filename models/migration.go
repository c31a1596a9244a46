package models

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

func MigrateTable(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&AssignmentDivergence{},
		&DealSnapshot{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
