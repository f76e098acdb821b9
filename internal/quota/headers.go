package quota

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ghilp934/Decisionproof/internal/plan"
)

// IETF RateLimit header fields (draft-ietf-httpapi-ratelimit-headers).
const (
	PolicyHeader = "RateLimit-Policy"
	StatusHeader = "RateLimit"
)

// SetRateHeaders writes the RPM disclosure headers for the actor's current
// window. Disclosure is independent of the admission decision; callers set
// these on allowed and denied responses alike.
//
//	RateLimit-Policy: "post_rpm";q=6;w=60
//	RateLimit:        "post_rpm";r=3;t=42
func (e *Engine) SetRateHeaders(ctx context.Context, h http.Header, actor string, scope Scope, p plan.Plan) {
	limit := p.PostRPM
	policyName := "post_rpm"
	if scope == ScopeGet {
		limit = p.GetRPM
		policyName = "get_rpm"
	}
	if plan.Unlimited(limit) {
		return
	}

	windowSeconds := int64(p.RateWindow / time.Second)
	idx := e.now().Unix() / windowSeconds
	key := rateKey(scope, actor, idx)

	var count int64
	if v, ok, err := e.store.Get(ctx, key); err == nil && ok {
		count, _ = strconv.ParseInt(v, 10, 64)
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	reset := windowSeconds
	if ttl, ok, err := e.store.TTL(ctx, key); err == nil && ok {
		reset = int64(ttl / time.Second)
	}

	h.Set(PolicyHeader, fmt.Sprintf("%q;q=%d;w=%d", policyName, limit, windowSeconds))
	h.Set(StatusHeader, fmt.Sprintf("%q;r=%d;t=%d", policyName, remaining, reset))
}

// SetMonthlyHeaders writes the monthly-quota disclosure headers. Monthly
// quotas reset at the month boundary, not a rolling instant, so the status
// header carries no t parameter.
func (e *Engine) SetMonthlyHeaders(ctx context.Context, h http.Header, actor string, p plan.Plan) {
	if plan.Unlimited(p.MonthlyQuota) {
		return
	}

	usage, err := e.Usage(ctx, actor)
	if err != nil {
		return
	}
	remaining := p.MonthlyQuota - usage
	if remaining < 0 {
		remaining = 0
	}

	const monthWindowSeconds = 30 * 24 * 3600

	h.Set(PolicyHeader, fmt.Sprintf("%q;q=%d;w=%d", "monthly_quota", p.MonthlyQuota, monthWindowSeconds))
	h.Set(StatusHeader, fmt.Sprintf("%q;r=%d", "monthly_quota", remaining))
}
