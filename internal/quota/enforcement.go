// Package quota enforces per-actor rate and consumption policies against the
// counter store and generates the matching IETF RateLimit disclosure headers.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ghilp934/Decisionproof/internal/plan"
	"github.com/ghilp934/Decisionproof/internal/problem"
	"github.com/ghilp934/Decisionproof/internal/store"
)

// Scope separates independently limited request classes for the same actor.
type Scope string

const (
	ScopePost Scope = "post"
	ScopeGet  Scope = "get"
)

// Violation describes a denied admission. The zero RetryAfter is normalized
// to 1 second when rendered; callers can rely on it being positive.
type Violation struct {
	Detail     string
	RetryAfter int64
	Policy     problem.ViolatedPolicy
}

// Problem converts the violation into a renderable 429.
func (v *Violation) Problem() *problem.Details {
	return problem.QuotaExceeded(v.Detail, v.RetryAfter, v.Policy)
}

// Engine evaluates RPM, monthly-quota and hard-overage-cap policies. Checks
// are independent: each returns a nil *Violation when the request may
// proceed. A limit of zero disables its check (plan.Unlimited).
type Engine struct {
	store store.Store
	now   func() time.Time
}

// NewEngine builds an engine over the given store. A nil now defaults to
// time.Now; tests inject a fake clock.
func NewEngine(st store.Store, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, now: now}
}

func rateKey(scope Scope, actor string, windowIdx int64) string {
	return fmt.Sprintf("demo:rate:%s:%s:%d", scope, actor, windowIdx)
}

func usageKey(actor, month string) string {
	return "demo:usage:" + actor + ":" + month
}

func (e *Engine) month() string {
	return e.now().UTC().Format("2006-01")
}

// CheckRPM admits or rejects one request in the current fixed window using
// the increment-first pattern: the counter is consumed before comparison so
// check-and-consume is atomic without a lock, and a compensating decrement
// rolls back rejected requests. The momentary over-count this allows is
// self-correcting and acceptable because the counter is advisory, not a
// billing ledger.
func (e *Engine) CheckRPM(ctx context.Context, actor string, scope Scope, p plan.Plan) (*Violation, error) {
	limit := p.PostRPM
	policyName := "post_rpm"
	if scope == ScopeGet {
		limit = p.GetRPM
		policyName = "get_rpm"
	}
	if plan.Unlimited(limit) {
		return nil, nil
	}

	windowSeconds := int64(p.RateWindow / time.Second)
	idx := e.now().Unix() / windowSeconds
	key := rateKey(scope, actor, idx)

	count, err := e.store.IncrEx(ctx, key, p.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("rpm increment: %w", err)
	}
	if count <= limit {
		return nil, nil
	}

	// Over the limit: roll back the consumed slot. A failed decrement is
	// tolerable; the window TTL bounds the error.
	if _, err := e.store.Decr(ctx, key); err != nil {
		return nil, fmt.Errorf("rpm compensating decrement: %w", err)
	}

	retry := windowSeconds
	if ttl, ok, err := e.store.TTL(ctx, key); err == nil && ok {
		retry = int64(ttl / time.Second)
	}
	if retry < 1 {
		retry = 1
	}

	return &Violation{
		Detail:     fmt.Sprintf("%s rate limit exceeded (%d per %ds for %s plan)", scopeVerb(scope), limit, windowSeconds, p.Name),
		RetryAfter: retry,
		Policy: problem.ViolatedPolicy{
			PolicyName:    policyName,
			Limit:         limit,
			Current:       count - 1,
			WindowSeconds: windowSeconds,
		},
	}, nil
}

func scopeVerb(scope Scope) string {
	if scope == ScopeGet {
		return "GET"
	}
	return "POST"
}

// Usage reads the actor's metered consumption for the current month. The
// counter is written by the metering pipeline, never by this engine.
func (e *Engine) Usage(ctx context.Context, actor string) (int64, error) {
	v, ok, err := e.store.Get(ctx, usageKey(actor, e.month()))
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage %q is not an integer", usageKey(actor, e.month()))
	}
	return n, nil
}

// CheckMonthlyQuota rejects when the actor's metered usage has reached the
// plan's monthly quota.
func (e *Engine) CheckMonthlyQuota(ctx context.Context, actor string, p plan.Plan) (*Violation, error) {
	if plan.Unlimited(p.MonthlyQuota) {
		return nil, nil
	}

	usage, err := e.Usage(ctx, actor)
	if err != nil {
		return nil, err
	}
	if usage < p.MonthlyQuota {
		return nil, nil
	}

	return &Violation{
		Detail:     fmt.Sprintf("Monthly quota of %d exceeded", p.MonthlyQuota),
		RetryAfter: e.secondsToMonthEnd(),
		Policy: problem.ViolatedPolicy{
			PolicyName: "monthly_quota",
			Limit:      p.MonthlyQuota,
			Current:    usage,
		},
	}, nil
}

// CheckOverageCap rejects when usage has reached the effective hard ceiling:
// monthly quota + hard overage cap + grace, where grace is the waived
// allowance from the plan's grace policy.
func (e *Engine) CheckOverageCap(ctx context.Context, actor string, p plan.Plan) (*Violation, error) {
	if plan.Unlimited(p.HardOverageCap) {
		return nil, nil
	}

	usage, err := e.Usage(ctx, actor)
	if err != nil {
		return nil, err
	}

	totalCap := p.MonthlyQuota + p.HardOverageCap
	effectiveCap := totalCap + p.Grace.Amount(totalCap)
	if usage < effectiveCap {
		return nil, nil
	}

	return &Violation{
		Detail:     fmt.Sprintf("Hard overage cap of %d exceeded", p.HardOverageCap),
		RetryAfter: e.secondsToMonthEnd(),
		Policy: problem.ViolatedPolicy{
			PolicyName: "hard_overage_cap",
			Limit:      totalCap,
			Current:    usage,
		},
	}, nil
}

// secondsToMonthEnd is the retry hint for monthly policies: the quota has no
// earlier reset instant than the month boundary.
func (e *Engine) secondsToMonthEnd() int64 {
	now := e.now().UTC()
	boundary := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	s := int64(boundary.Sub(now) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
