package models

import "time"

// BYOKDeployment holds a tenant-supplied backend deployment and its
// daily quota. Spend through it is not pooled into the shared ledger.
type BYOKDeployment struct {
	ID string `gorm:"primaryKey;type:text"` // Deployment ID.

	CommunityID string `gorm:"type:text;not null;index"` // Owning community.

	BaseURL string `gorm:"type:text;not null"` // Tenant backend endpoint.
	APIKey  string `gorm:"type:text;not null"` // Tenant credential, injected on proxy.

	DailyLimit int64 `gorm:"not null;default:0"` // Daily request quota; 0 disables the deployment.

	Enabled bool `gorm:"not null;default:true"` // Whether the deployment accepts traffic.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
