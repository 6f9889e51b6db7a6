package db

import (
	"fmt"

	"github.com/communityforge/inference-gateway/internal/models"
	"gorm.io/gorm"
)

// Migrate applies schema migrations for all gateway tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Community{},
		&models.UsageRecord{},
		&models.DriftEvent{},
		&models.BYOKDeployment{},
		&models.SigningKey{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
