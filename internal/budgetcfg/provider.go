// Package budgetcfg resolves the effective admission settings for a
// community: budget cap, tier access, and price table, with community
// overrides layered over platform defaults.
package budgetcfg

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/communityforge/inference-gateway/internal/models"
	"github.com/communityforge/inference-gateway/internal/pricing"
	"github.com/communityforge/inference-gateway/internal/tier"
)

// Settings is the resolved admission configuration for one community.
type Settings struct {
	CommunityID string
	Tier        string
	LimitCents  int64
	Access      tier.Access
	Prices      *pricing.Table

	// Degraded is set when the durable store was unreachable and the
	// settings fall back to platform defaults. Degraded settings are
	// never cached.
	Degraded bool
}

// tierOverrides is the partial tier-knob override document stored on a
// community row. Absent fields keep the tier default.
type tierOverrides struct {
	ModelAliases   []string `json:"model_aliases"`
	MaxConcurrency int      `json:"max_concurrency"`
	RateLimitClass string   `json:"rate_limit_class"`
}

type cacheEntry struct {
	settings Settings
	loadedAt time.Time
}

// Provider loads community settings from the durable store with a
// short-TTL cache in front, so a database hiccup never stalls the hot
// admission path for long.
type Provider struct {
	db           *gorm.DB
	defaultLimit int64
	cacheTTL     time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// ProviderOption customizes a Provider.
type ProviderOption func(*Provider)

// WithProviderClock overrides the provider clock, for tests.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// NewProvider constructs a settings provider.
func NewProvider(db *gorm.DB, defaultLimitCents int64, cacheTTL time.Duration, opts ...ProviderOption) *Provider {
	p := &Provider{
		db:           db,
		defaultLimit: defaultLimitCents,
		cacheTTL:     cacheTTL,
		now:          time.Now,
		cache:        map[string]cacheEntry{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// For resolves the effective settings for a community. Results are
// cached for the configured TTL. When the store is unreachable a stale
// cached entry is served if one exists, otherwise conservative platform
// defaults are returned so admission can proceed fail-safe.
func (p *Provider) For(ctx context.Context, communityID string) Settings {
	now := p.now()

	p.mu.RLock()
	entry, cached := p.cache[communityID]
	p.mu.RUnlock()
	if cached && now.Sub(entry.loadedAt) < p.cacheTTL {
		return entry.settings
	}

	settings, errLoad := p.load(ctx, communityID)
	if errLoad != nil {
		log.WithError(errLoad).WithField("community", communityID).
			Warn("budgetcfg: load failed, serving fallback settings")
		if cached {
			// Stale beats degraded: the last known settings were real.
			return entry.settings
		}
		return p.fallback(communityID)
	}

	p.mu.Lock()
	p.cache[communityID] = cacheEntry{settings: settings, loadedAt: now}
	p.mu.Unlock()
	return settings
}

// Invalidate drops a community's cached settings, forcing a reload on
// the next request. Called when external usage reports land, since
// those often accompany out-of-band budget or pricing changes.
func (p *Provider) Invalidate(communityID string) {
	p.mu.Lock()
	delete(p.cache, communityID)
	p.mu.Unlock()
}

func (p *Provider) load(ctx context.Context, communityID string) (Settings, error) {
	var row models.Community
	errFind := p.db.WithContext(ctx).First(&row, "id = ?", communityID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		// Unknown communities get platform defaults on the free tier.
		return Settings{
			CommunityID: communityID,
			Tier:        "free",
			LimitCents:  p.defaultLimit,
			Access:      tier.Lookup("free"),
			Prices:      pricing.NewTable(nil),
		}, nil
	}
	if errFind != nil {
		return Settings{}, errFind
	}
	return p.resolve(row), nil
}

func (p *Provider) resolve(row models.Community) Settings {
	settings := Settings{
		CommunityID: row.ID,
		Tier:        row.Tier,
		LimitCents:  row.MonthlyBudgetCents,
		Access:      tier.Lookup(row.Tier),
	}
	if settings.LimitCents <= 0 {
		settings.LimitCents = p.defaultLimit
	}

	if len(row.TierOverrides) > 0 {
		var ov tierOverrides
		if errDecode := json.Unmarshal(row.TierOverrides, &ov); errDecode != nil {
			log.WithError(errDecode).WithField("community", row.ID).
				Warn("budgetcfg: bad tier overrides, keeping tier defaults")
		} else {
			if len(ov.ModelAliases) > 0 {
				settings.Access.ModelAliases = ov.ModelAliases
			}
			if ov.MaxConcurrency > 0 {
				settings.Access.MaxConcurrency = ov.MaxConcurrency
			}
			if strings.TrimSpace(ov.RateLimitClass) != "" {
				settings.Access.RateLimitClass = ov.RateLimitClass
			}
		}
	}

	var prices map[string]pricing.ModelPrice
	if len(row.PricingOverrides) > 0 {
		if errDecode := json.Unmarshal(row.PricingOverrides, &prices); errDecode != nil {
			log.WithError(errDecode).WithField("community", row.ID).
				Warn("budgetcfg: bad pricing overrides, keeping platform prices")
			prices = nil
		}
	}
	settings.Prices = pricing.NewTable(prices)
	return settings
}

// fallback builds conservative settings used when nothing better is
// known: free-tier access and the platform default budget.
func (p *Provider) fallback(communityID string) Settings {
	return Settings{
		CommunityID: communityID,
		Tier:        "free",
		LimitCents:  p.defaultLimit,
		Access:      tier.Lookup("free"),
		Prices:      pricing.NewTable(nil),
		Degraded:    true,
	}
}
