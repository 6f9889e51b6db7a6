package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/communityforge/inference-gateway/internal/models"
)

// Recorder persists finalized usage. Writes are idempotent on the
// community plus idempotency key, so a retried finalize never
// duplicates rows and tenants reusing a key never shadow each other.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a usage recorder. db may be nil in tests, in
// which case records are dropped.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one usage record, ignoring duplicates by key.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	errCreate := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}, {Name: "community_id"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if errCreate != nil {
		return fmt.Errorf("gateway: record usage: %w", errCreate)
	}
	return nil
}

// sinkBatchSize bounds how many records one push delivers.
const sinkBatchSize = 100

// SinkPusher delivers usage records to the external ingestion sink,
// at least once: a record is marked pushed only after the sink
// acknowledged the batch, so a crash between delivery and mark causes
// a redelivery, never a loss.
type SinkPusher struct {
	db       *gorm.DB
	url      string
	interval time.Duration
	client   *http.Client
	now      func() time.Time
}

// NewSinkPusher constructs a pusher. An empty url disables pushing.
func NewSinkPusher(db *gorm.DB, url string, interval time.Duration) *SinkPusher {
	return &SinkPusher{
		db:       db,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// Start launches the push loop in a background goroutine.
func (p *SinkPusher) Start(ctx context.Context) {
	if p == nil || p.url == "" {
		return
	}
	go p.run(ctx)
	log.Infof("usage sink pusher started (interval=%s)", p.interval)
}

func (p *SinkPusher) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if errPush := p.PushOnce(ctx); errPush != nil {
			log.WithError(errPush).Warn("usage sink: push failed")
		}
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// PushOnce delivers one batch of unpushed records.
func (p *SinkPusher) PushOnce(ctx context.Context) error {
	var batch []models.UsageRecord
	errFind := p.db.WithContext(ctx).
		Where("pushed_at IS NULL").
		Order("id").
		Limit(sinkBatchSize).
		Find(&batch).Error
	if errFind != nil {
		return fmt.Errorf("gateway: load unpushed usage: %w", errFind)
	}
	if len(batch) == 0 {
		return nil
	}

	if errDeliver := p.deliver(ctx, batch); errDeliver != nil {
		return errDeliver
	}

	ids := make([]uint64, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	now := p.now().UTC()
	errMark := p.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("id IN ?", ids).
		Update("pushed_at", now).Error
	if errMark != nil {
		return fmt.Errorf("gateway: mark usage pushed: %w", errMark)
	}
	log.WithField("count", len(batch)).Debug("usage sink: batch delivered")
	return nil
}

func (p *SinkPusher) deliver(ctx context.Context, batch []models.UsageRecord) error {
	payload, errMarshal := json.Marshal(batch)
	if errMarshal != nil {
		return fmt.Errorf("gateway: encode usage batch: %w", errMarshal)
	}
	req, errNew := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if errNew != nil {
		return fmt.Errorf("gateway: build sink request: %w", errNew)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := p.client.Do(req)
	if errDo != nil {
		return fmt.Errorf("gateway: push usage: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway: sink rejected batch: status %d", resp.StatusCode)
	}
	return nil
}
