package entitlement

import (
	"errors"
	"strings"
)

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Unlimited marks a quota without a ceiling.
const Unlimited = -1

var ErrUnknownTier = errors.New("unknown tier")

// Limits is what a tier may create. The engine only reports these counts;
// callers enforce them.
type Limits struct {
	Tier      string `json:"tier"`
	Alerts    int    `json:"alerts"`
	Watchlist int    `json:"watchlist"`
	APIAccess bool   `json:"api_access"`
	Webhooks  bool   `json:"webhooks"`
}

var tiers = map[string]Limits{
	TierFree:       {Tier: TierFree, Alerts: 3, Watchlist: 10},
	TierPro:        {Tier: TierPro, Alerts: 25, Watchlist: 100, APIAccess: true, Webhooks: true},
	TierEnterprise: {Tier: TierEnterprise, Alerts: 100, Watchlist: Unlimited, APIAccess: true, Webhooks: true},
}

// For returns the limits of tier. An empty tier falls back to fallback.
func For(tier, fallback string) (Limits, error) {
	t := strings.ToLower(strings.TrimSpace(tier))
	if t == "" {
		t = strings.ToLower(strings.TrimSpace(fallback))
	}
	if t == "" {
		t = TierFree
	}
	l, ok := tiers[t]
	if !ok {
		return Limits{}, ErrUnknownTier
	}
	return l, nil
}

// Remaining is how many more items fit under limit; Unlimited stays
// Unlimited.
func Remaining(limit, used int) int {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
