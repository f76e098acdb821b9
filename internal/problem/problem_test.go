package problem

import (
	"encoding/json"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
)

func TestWrite_RendersProblemJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	QuotaExceeded("RPM limit of 6 requests per minute exceeded", 17, ViolatedPolicy{
		PolicyName:    "post_rpm",
		Limit:         6,
		Current:       6,
		WindowSeconds: 60,
	}).Write(rec)

	if rec.Code != 429 {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "17" {
		t.Fatalf("Retry-After = %q, want 17", ra)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", cc)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != float64(429) {
		t.Fatalf("body status = %v", body["status"])
	}
	policies, ok := body["violated-policies"].([]any)
	if !ok || len(policies) != 1 {
		t.Fatalf("violated-policies = %v", body["violated-policies"])
	}
	p := policies[0].(map[string]any)
	if p["policy_name"] != "post_rpm" || p["limit"] != float64(6) || p["window_seconds"] != float64(60) {
		t.Fatalf("policy = %v", p)
	}
	// retryAfter must not leak into the body.
	if _, ok := body["retryAfter"]; ok {
		t.Fatal("retryAfter leaked into the body")
	}
}

func TestInstance_UniqueAndOpaque(t *testing.T) {
	urn := regexp.MustCompile(`^urn:decisionproof:trace:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		d := NotFound("")
		if !urn.MatchString(d.Instance) {
			t.Fatalf("instance %q is not an opaque trace URN", d.Instance)
		}
		if strings.Contains(d.Instance, "/") {
			t.Fatalf("instance %q looks like a path", d.Instance)
		}
		if seen[d.Instance] {
			t.Fatalf("instance %q reused", d.Instance)
		}
		seen[d.Instance] = true
	}
}

func TestRetryAfter_AlwaysPositive(t *testing.T) {
	d := QuotaExceeded("too fast", 0)
	if d.RetryAfter() < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", d.RetryAfter())
	}
}

func TestValidation_OmitsPoliciesWhenEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	Validation("inputs.question exceeds 512 characters").Write(rec)

	if rec.Code != 422 {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "violated-policies") {
		t.Fatal("empty violated-policies serialized")
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Fatal("Retry-After set on a validation failure")
	}
}

func TestFailClosedStatuses(t *testing.T) {
	if d := ServiceUnavailable("verification secret is not configured"); d.Status != 503 {
		t.Fatalf("ServiceUnavailable status = %d", d.Status)
	}
	if d := Unauthorized("invalid proxy secret"); d.Status != 401 {
		t.Fatalf("Unauthorized status = %d", d.Status)
	}
	if d := Gone(""); d.Status != 410 {
		t.Fatalf("Gone status = %d", d.Status)
	}
	if d := RequestTooLarge(4096); d.Status != 413 {
		t.Fatalf("RequestTooLarge status = %d", d.Status)
	}
}
