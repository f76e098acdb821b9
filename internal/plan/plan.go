// Package plan declares the subscription tiers and the limits they carry.
package plan

import (
	"strings"
	"time"
)

// Plan describes the quota and lifecycle policy attached to a subscription
// tier. A zero value in any limit field means "unlimited" for that field;
// Unlimited is the single place that convention is decided.
type Plan struct {
	Name string

	// Request-rate limits, enforced per actor over RateWindow.
	PostRPM    int64
	GetRPM     int64
	RateWindow time.Duration

	// Monthly consumption limits. Usage is accumulated by the metering
	// pipeline; this service only reads it.
	MonthlyQuota   int64
	HardOverageCap int64
	Grace          GracePolicy

	// Run lifecycle limits.
	MaxActive       int64
	PollMinInterval time.Duration
	PollMaxCount    int64
	Retention       time.Duration
	ZombieTimeout   time.Duration
	PollDelay       time.Duration
}

// GracePolicy bounds the waived allowance beyond the hard overage cap.
type GracePolicy struct {
	Enabled     bool
	MaxPercent  float64
	MaxAbsolute int64
}

// Amount returns the waived overage for the given effective cap:
// min(MaxPercent of cap, MaxAbsolute), or 0 when the policy is disabled.
func (g GracePolicy) Amount(cap int64) int64 {
	if !g.Enabled {
		return 0
	}
	fromPercent := int64(float64(cap) * g.MaxPercent / 100)
	if fromPercent < g.MaxAbsolute {
		return fromPercent
	}
	return g.MaxAbsolute
}

// Unlimited reports whether a limit value disables its check entirely.
func Unlimited(v int64) bool { return v == 0 }

var (
	// Basic is the default tier for unrecognized subscriptions.
	Basic = Plan{
		Name:            "BASIC",
		PostRPM:         6,
		GetRPM:          24,
		RateWindow:      time.Minute,
		MonthlyQuota:    2000,
		HardOverageCap:  200,
		Grace:           GracePolicy{Enabled: true, MaxPercent: 1, MaxAbsolute: 100},
		MaxActive:       1,
		PollMinInterval: 3 * time.Second,
		PollMaxCount:    40,
		Retention:       7 * 24 * time.Hour,
		ZombieTimeout:   5 * time.Minute,
		PollDelay:       3 * time.Second,
	}

	Pro = Plan{
		Name:            "PRO",
		PostRPM:         24,
		GetRPM:          96,
		RateWindow:      time.Minute,
		MonthlyQuota:    10000,
		HardOverageCap:  1000,
		Grace:           GracePolicy{Enabled: true, MaxPercent: 1, MaxAbsolute: 100},
		MaxActive:       3,
		PollMinInterval: 2 * time.Second,
		PollMaxCount:    60,
		Retention:       30 * 24 * time.Hour,
		ZombieTimeout:   10 * time.Minute,
		PollDelay:       2 * time.Second,
	}
)

// Resolve maps a subscription header value to a plan. Unknown or missing
// values fall back to BASIC.
func Resolve(name string) Plan {
	if strings.EqualFold(strings.TrimSpace(name), Pro.Name) {
		return Pro
	}
	return Basic
}
