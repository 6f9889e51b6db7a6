package auth

import (
	"context"
	"time"

	"github.com/communityforge/inference-gateway/internal/models"
	"gorm.io/gorm"
)

// StoredKey is persisted signing key material.
type StoredKey struct {
	KeyID      string
	PrivateKey []byte
	PublicKey  []byte
	Current    bool
	RotatedAt  *time.Time
}

// KeyStore persists signing keys across restarts.
type KeyStore interface {
	LoadKeys(ctx context.Context) ([]StoredKey, error)
	SaveKey(ctx context.Context, key StoredKey) error
	MarkRotated(ctx context.Context, keyID string, at time.Time) error
	DeleteKey(ctx context.Context, keyID string) error
}

// GormKeyStore persists signing keys through GORM.
type GormKeyStore struct {
	db *gorm.DB
}

// NewGormKeyStore constructs a GormKeyStore.
func NewGormKeyStore(db *gorm.DB) *GormKeyStore {
	return &GormKeyStore{db: db}
}

// LoadKeys returns all persisted signing keys.
func (s *GormKeyStore) LoadKeys(ctx context.Context) ([]StoredKey, error) {
	var rows []models.SigningKey
	if errFind := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	keys := make([]StoredKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, StoredKey{
			KeyID:      row.KeyID,
			PrivateKey: row.PrivateKey,
			PublicKey:  row.PublicKey,
			Current:    row.Current,
			RotatedAt:  row.RotatedAt,
		})
	}
	return keys, nil
}

// SaveKey inserts a new signing key. A current key demotes any existing
// current row in the same transaction.
func (s *GormKeyStore) SaveKey(ctx context.Context, key StoredKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if key.Current {
			if errDemote := tx.Model(&models.SigningKey{}).
				Where("current = ?", true).
				Update("current", false).Error; errDemote != nil {
				return errDemote
			}
		}
		row := models.SigningKey{
			KeyID:      key.KeyID,
			PrivateKey: key.PrivateKey,
			PublicKey:  key.PublicKey,
			Current:    key.Current,
			RotatedAt:  key.RotatedAt,
		}
		return tx.Create(&row).Error
	})
}

// MarkRotated records when a key stopped signing.
func (s *GormKeyStore) MarkRotated(ctx context.Context, keyID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.SigningKey{}).
		Where("key_id = ?", keyID).
		Updates(map[string]any{"current": false, "rotated_at": at}).Error
}

// DeleteKey removes a purged key.
func (s *GormKeyStore) DeleteKey(ctx context.Context, keyID string) error {
	return s.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Delete(&models.SigningKey{}).Error
}
