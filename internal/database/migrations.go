package database

import (
	"context"
	"fmt"

	"luxelink/server/internal/models"
)

func (d *Database) Migrate(ctx context.Context) error {
	return d.RunMigrations(ctx)
}

// RunMigrations creates the agents, listings and listing_alerts tables and
// their indexes. Existing columns are left untouched.
func (d *Database) RunMigrations(ctx context.Context) error {
	if err := d.db.WithContext(ctx).AutoMigrate(&models.Agent{}, &models.Listing{}, &models.ListingAlert{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	err := d.db.WithContext(ctx).Exec(`
		CREATE INDEX IF NOT EXISTS idx_listing_alerts_pending
		ON listing_alerts(id) WHERE delivered_at IS NULL
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create pending alerts index: %w", err)
	}

	d.logger.Info("Database migrations completed")
	return nil
}
