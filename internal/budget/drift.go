package budget

import (
	"context"
	"time"

	"github.com/communityforge/inference-gateway/internal/metrics"
	"github.com/communityforge/inference-gateway/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Drift causes recorded by the monitor.
const (
	// DriftCauseClamp marks a reserved counter clamped at zero.
	DriftCauseClamp = "clamp"
	// DriftCauseLateFinalize marks a finalize after reclamation.
	DriftCauseLateFinalize = "late_finalize"
)

// DriftMonitor aggregates ledger drift per community: each event is
// logged with enough context to reconstruct the sequence, counted in
// metrics, and persisted for audit.
type DriftMonitor struct {
	db      *gorm.DB
	metrics *metrics.Recorder
}

// NewDriftMonitor constructs a drift monitor. db may be nil in tests.
func NewDriftMonitor(db *gorm.DB, recorder *metrics.Recorder) *DriftMonitor {
	return &DriftMonitor{db: db, metrics: recorder}
}

// Record registers one drift event.
func (d *DriftMonitor) Record(ctx context.Context, communityID, reservationID, cause string, magnitudeCents int64) {
	if d == nil || magnitudeCents <= 0 {
		return
	}

	log.WithFields(log.Fields{
		"community":   communityID,
		"reservation": reservationID,
		"cause":       cause,
		"cents":       magnitudeCents,
	}).Warn("budget: ledger drift detected")

	d.metrics.ObserveDrift(communityID, cause, magnitudeCents)

	if d.db == nil {
		return
	}
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	row := models.DriftEvent{
		CommunityID:    communityID,
		ReservationID:  reservationID,
		Cause:          cause,
		MagnitudeCents: magnitudeCents,
	}
	if errCreate := d.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Error("budget: persist drift event failed")
	}
}
