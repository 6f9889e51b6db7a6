// Package tier maps subscription tiers onto model access, concurrency
// and rate-limit classes. Pure lookup, no I/O: billing-tier semantics
// stay out of every other component.
package tier

import "strings"

// Access describes what a tier is allowed to do.
type Access struct {
	ModelAliases   []string // Logical model aliases the tier may call.
	MaxConcurrency int      // In-flight request ceiling per community.
	RateLimitClass string   // Rate limiter class name.
}

// Tier names recognized by the platform.
const (
	TierFree    = "free"
	TierBasic   = "basic"
	TierPro     = "pro"
	TierPremium = "premium"
)

// restrictedAccess is the fail-closed mapping for unknown tiers.
var restrictedAccess = Access{
	ModelAliases:   []string{"standard"},
	MaxConcurrency: 1,
	RateLimitClass: "restricted",
}

var tierAccess = map[string]Access{
	TierFree: {
		ModelAliases:   []string{"standard"},
		MaxConcurrency: 1,
		RateLimitClass: "restricted",
	},
	TierBasic: {
		ModelAliases:   []string{"standard", "fast"},
		MaxConcurrency: 2,
		RateLimitClass: "standard",
	},
	TierPro: {
		ModelAliases:   []string{"standard", "fast", "reasoning"},
		MaxConcurrency: 5,
		RateLimitClass: "elevated",
	},
	TierPremium: {
		ModelAliases:   []string{"standard", "fast", "reasoning", "ensemble", "consensus"},
		MaxConcurrency: 10,
		RateLimitClass: "elevated",
	},
}

// Lookup returns the access mapping for a tier. Unknown tiers get the
// most restrictive class.
func Lookup(tier string) Access {
	access, ok := tierAccess[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return restrictedAccess
	}
	return access
}

// Allows reports whether the access mapping permits the model alias.
func (a Access) Allows(alias string) bool {
	alias = strings.TrimSpace(alias)
	for _, allowed := range a.ModelAliases {
		if allowed == alias {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the tier may call the model alias.
func AllowsModel(tier, alias string) bool {
	return Lookup(tier).Allows(alias)
}
