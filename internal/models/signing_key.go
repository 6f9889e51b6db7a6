package models

import "time"

// SigningKey persists token-signing key material so a restarted
// instance keeps verifying outstanding tokens. At most one current
// key and one retiring key exist at a time.
type SigningKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	KeyID      string `gorm:"type:text;not null;uniqueIndex"` // Key identifier carried in token headers.
	PrivateKey []byte `gorm:"type:blob;not null"`             // Ed25519 private key seed.
	PublicKey  []byte `gorm:"type:blob;not null"`             // Ed25519 public key.

	Current   bool       `gorm:"not null;default:false"` // Whether this is the signing key.
	RotatedAt *time.Time `gorm:"index"`                  // When the key stopped signing.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
