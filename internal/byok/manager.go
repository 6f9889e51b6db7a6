// Package byok routes inference through tenant-supplied backend
// deployments. Spend on a customer key never touches the shared
// ledger; the only cap is the deployment's daily request quota.
package byok

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/communityforge/inference-gateway/internal/backend"
	"github.com/communityforge/inference-gateway/internal/config"
	"github.com/communityforge/inference-gateway/internal/models"
)

// Deployment errors surfaced to callers.
var (
	// ErrDeploymentNotFound indicates no enabled deployment matched.
	ErrDeploymentNotFound = errors.New("byok: deployment not found")
)

// QuotaError reports an exhausted daily quota and when it resets.
type QuotaError struct {
	DeploymentID string
	ResetAt      time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("byok: daily quota exhausted for %s, resets %s", e.DeploymentID, e.ResetAt.Format(time.RFC3339))
}

// QuotaStore atomically charges requests against a deployment's daily
// limit. When the charge would cross the limit nothing is consumed.
type QuotaStore interface {
	ConsumeDaily(ctx context.Context, deploymentID string, n, limit int64) (ok bool, used int64, resetAt time.Time, err error)
}

// Manager resolves deployments and hands out credential-injecting
// backend callers for them.
type Manager struct {
	db      *gorm.DB
	quota   QuotaStore
	backend config.BackendConfig

	// newCaller builds the caller for a deployment; replaceable in tests.
	newCaller func(models.BYOKDeployment) backend.Caller

	mu      sync.Mutex
	callers map[string]backend.Caller
}

// NewManager constructs a deployment manager. backendCfg supplies the
// timeout, retry and breaker settings shared with the platform client.
func NewManager(db *gorm.DB, quota QuotaStore, backendCfg config.BackendConfig) *Manager {
	m := &Manager{
		db:      db,
		quota:   quota,
		backend: backendCfg,
		callers: map[string]backend.Caller{},
	}
	m.newCaller = func(dep models.BYOKDeployment) backend.Caller {
		cfg := m.backend
		cfg.BaseURL = dep.BaseURL
		cfg.APIKey = dep.APIKey
		return backend.NewClient(cfg, nil)
	}
	return m
}

// Resolve loads a community's enabled deployment. A deployment with a
// zero daily limit is treated as disabled.
func (m *Manager) Resolve(ctx context.Context, communityID, deploymentID string) (*models.BYOKDeployment, error) {
	var dep models.BYOKDeployment
	errFind := m.db.WithContext(ctx).
		Where("id = ? AND community_id = ? AND enabled = ?", deploymentID, communityID, true).
		First(&dep).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrDeploymentNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("byok: load deployment: %w", errFind)
	}
	if dep.DailyLimit <= 0 {
		return nil, ErrDeploymentNotFound
	}
	return &dep, nil
}

// Admit charges one request against the deployment's daily quota,
// refusing with *QuotaError once the limit is reached.
func (m *Manager) Admit(ctx context.Context, dep *models.BYOKDeployment) error {
	ok, used, resetAt, errConsume := m.quota.ConsumeDaily(ctx, dep.ID, 1, dep.DailyLimit)
	if errConsume != nil {
		return fmt.Errorf("byok: consume quota: %w", errConsume)
	}
	if !ok {
		log.WithFields(log.Fields{
			"deployment": dep.ID,
			"community":  dep.CommunityID,
			"used":       used,
			"limit":      dep.DailyLimit,
		}).Info("byok: daily quota exhausted")
		return &QuotaError{DeploymentID: dep.ID, ResetAt: resetAt}
	}
	return nil
}

// Caller returns the backend caller for a deployment, injecting the
// tenant credential. Callers are cached per deployment and rebuilt
// when the credential or endpoint changes.
func (m *Manager) Caller(dep *models.BYOKDeployment) backend.Caller {
	key := dep.ID + "|" + dep.BaseURL + "|" + dep.APIKey

	m.mu.Lock()
	defer m.mu.Unlock()
	if caller, ok := m.callers[key]; ok {
		return caller
	}
	caller := m.newCaller(*dep)
	m.callers[key] = caller
	return caller
}
