package models

import "time"

// DriftEvent records a detected mismatch between expected and actual
// ledger state, with enough context to reconstruct the sequence.
type DriftEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	CommunityID    string `gorm:"type:text;not null;index"` // Affected community.
	ReservationID  string `gorm:"type:text;index"`          // Reservation involved.
	Cause          string `gorm:"type:text;not null"`       // clamp or late_finalize.
	MagnitudeCents int64  `gorm:"not null"`                 // Drift size in cents.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Detection timestamp.
}
