package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageRecord is the durable, append-only record of one finalized request.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	IdempotencyKey string `gorm:"type:text;not null;uniqueIndex:idx_usage_idem"`       // Deduplication key, unique per community.
	CommunityID    string `gorm:"type:text;not null;index;uniqueIndex:idx_usage_idem"` // Owning community.
	UserID         string `gorm:"type:text;not null;index"`       // Requesting user.
	ReservationID  string `gorm:"type:text;index"`                // Reservation that was finalized, if any.

	ModelAlias string `gorm:"type:text;not null;index"`             // Logical model alias.
	Source     string `gorm:"type:text;not null;default:'gateway'"` // gateway, byok or report.
	TraceID    string `gorm:"type:text"`                            // Request trace ID.

	PromptTokens     int64 `gorm:"not null;default:0"` // Prompt token count.
	CompletionTokens int64 `gorm:"not null;default:0"` // Completion token count.

	EstimatedCostCents int64 `gorm:"not null;default:0"` // Reserved estimate.
	ActualCostCents    int64 `gorm:"not null;default:0"` // Finalized cost.

	Failed bool `gorm:"not null;default:false"` // Backend failure flag.

	Detail datatypes.JSON `gorm:"type:jsonb"` // Extra context (ensemble strategy, error detail).

	RequestedAt time.Time  `gorm:"not null;index"`          // Request timestamp.
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Finalize timestamp.
	PushedAt    *time.Time `gorm:"index"`                   // Set after sink delivery.
}
