package models

import (
	"time"

	"gorm.io/datatypes"
)

// Community is a tenant with its own budget and rate-limit scope.
// Rows are owned by the admin-facing service; this core reads them only.
type Community struct {
	ID string `gorm:"primaryKey;type:text"` // Discord guild ID.

	Name string `gorm:"type:text"`                         // Display name.
	Tier string `gorm:"type:text;not null;default:'free'"` // Subscription tier.

	MonthlyBudgetCents int64 `gorm:"not null;default:0"` // Budget cap; 0 uses the platform default.

	TierOverrides    datatypes.JSON `gorm:"type:jsonb"` // Tier knob overrides.
	PricingOverrides datatypes.JSON `gorm:"type:jsonb"` // Per-model price overrides, cents per 1K tokens.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
