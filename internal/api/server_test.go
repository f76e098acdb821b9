package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghilp934/Decisionproof/internal/auth"
	"github.com/ghilp934/Decisionproof/internal/metrics"
	"github.com/ghilp934/Decisionproof/internal/problem"
	"github.com/ghilp934/Decisionproof/internal/quota"
	"github.com/ghilp934/Decisionproof/internal/runs"
	"github.com/ghilp934/Decisionproof/internal/store"
)

const testProxySecret = "edge-shared-secret"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	handler http.Handler
	st      *store.Memory
	clock   *fakeClock
	actors  *auth.Deriver
}

func newHarness(t *testing.T, proxySecret string) *harness {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC))
	st := store.NewMemory(clock.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	actors, err := auth.NewDeriver("test-salt")
	if err != nil {
		t.Fatalf("NewDeriver: %v", err)
	}

	engine := quota.NewEngine(st, clock.Now)
	runsSvc := runs.NewService(st, nil, logger, runs.WithClock(clock.Now))

	srv := NewServer(
		auth.NewGate(proxySecret, ""),
		actors,
		engine,
		runsSvc,
		metrics.New(),
	)
	t.Cleanup(srv.Close)

	return &harness{handler: srv.Handler(), st: st, clock: clock, actors: actors}
}

func (h *harness) do(method, path, body, actorID, planName string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(auth.ProxySecretHeader, testProxySecret)
	if actorID != "" {
		req.Header.Set(auth.ActorIDHeader, actorID)
	}
	if planName != "" {
		req.Header.Set(auth.PlanHeader, planName)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// actorKey computes the opaque key the server derives for an actor id, so
// tests can seed counters the way the metering pipeline would.
func (h *harness) actorKey(actorID string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.ActorIDHeader, actorID)
	return h.actors.ActorKey(req)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problem.Details {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q, want application/problem+json", ct)
	}
	var d problem.Details
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode problem body: %v", err)
	}
	return d
}

func createBody(question string) string {
	b, _ := json.Marshal(map[string]any{"inputs": map[string]string{"question": question}})
	return string(b)
}

func TestHealthzCarriesDefaultRateLimitHeaders(t *testing.T) {
	h := newHarness(t, testProxySecret)

	rec := h.do(http.MethodGet, "/healthz", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(quota.PolicyHeader); got != `"default";q=60;w=60` {
		t.Fatalf("policy header = %q", got)
	}
	if got := rec.Header().Get(quota.StatusHeader); got != `"default";r=59;t=60` {
		t.Fatalf("status header = %q", got)
	}
}

func TestCreateRunAccepted(t *testing.T) {
	h := newHarness(t, testProxySecret)

	rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("Should we ship it?"), "alice", "BASIC")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var rcpt runs.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &rcpt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if rcpt.Status != runs.StatusQueued {
		t.Fatalf("receipt status = %q, want QUEUED", rcpt.Status)
	}
	if !strings.HasPrefix(rcpt.RunID, "demo_") {
		t.Fatalf("run id = %q", rcpt.RunID)
	}
	if rcpt.PollURL != "/v1/demo/runs/"+rcpt.RunID {
		t.Fatalf("poll url = %q", rcpt.PollURL)
	}
	if rcpt.Poll.RecommendedDelayMS != 3000 {
		t.Fatalf("recommended delay = %d", rcpt.Poll.RecommendedDelayMS)
	}

	if got := rec.Header().Get("X-DP-AI-Generated"); got != "true" {
		t.Fatalf("X-DP-AI-Generated = %q", got)
	}
	if rec.Header().Get("X-DP-AI-Disclosure") == "" {
		t.Fatal("X-DP-AI-Disclosure missing")
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get(quota.PolicyHeader); got != `"post_rpm";q=6;w=60` {
		t.Fatalf("policy header = %q", got)
	}
	if got := rec.Header().Get(quota.StatusHeader); got != `"post_rpm";r=5;t=60` {
		t.Fatalf("status header = %q", got)
	}
}

func TestCreateRunBurstLimit(t *testing.T) {
	h := newHarness(t, testProxySecret)

	for i := 0; i < 6; i++ {
		rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("burst"), "alice", "BASIC")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d, want 202", i+1, rec.Code)
		}
	}

	rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("burst"), "alice", "BASIC")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	d := decodeProblem(t, rec)
	if d.Type != "https://iana.org/assignments/http-problem-types#quota-exceeded" {
		t.Fatalf("problem type = %q", d.Type)
	}
	if len(d.ViolatedPolicies) != 1 {
		t.Fatalf("violated policies = %+v", d.ViolatedPolicies)
	}
	vp := d.ViolatedPolicies[0]
	if vp.PolicyName != "post_rpm" || vp.Limit != 6 || vp.Current != 6 || vp.WindowSeconds != 60 {
		t.Fatalf("unexpected policy: %+v", vp)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" {
		t.Fatal("Retry-After missing")
	}
	if got := rec.Header().Get(quota.StatusHeader); got != `"post_rpm";r=0;t=60` {
		t.Fatalf("status header = %q", got)
	}

	// Each occurrence carries its own trace instance.
	rec2 := h.do(http.MethodPost, "/v1/demo/runs", createBody("burst"), "alice", "BASIC")
	d2 := decodeProblem(t, rec2)
	if !strings.HasPrefix(d.Instance, "urn:decisionproof:trace:") || d.Instance == d2.Instance {
		t.Fatalf("instances not unique: %q vs %q", d.Instance, d2.Instance)
	}

	// A different actor is untouched by alice's consumption.
	recB := h.do(http.MethodPost, "/v1/demo/runs", createBody("burst"), "bob", "BASIC")
	if recB.Code != http.StatusAccepted {
		t.Fatalf("bob status = %d, want 202", recB.Code)
	}
}

func TestCreateRunValidation(t *testing.T) {
	t.Run("missing question", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		rec := h.do(http.MethodPost, "/v1/demo/runs", `{"inputs":{}}`, "alice", "BASIC")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		rec := h.do(http.MethodPost, "/v1/demo/runs", `{"inputs":{"question":"x"},"mode":"fast"}`, "alice", "BASIC")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("trailing document", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		rec := h.do(http.MethodPost, "/v1/demo/runs", `{"inputs":{"question":"x"}}{}`, "alice", "BASIC")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("question at limit", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		// Multibyte runes: the limit counts characters, not bytes.
		rec := h.do(http.MethodPost, "/v1/demo/runs", createBody(strings.Repeat("가", 512)), "alice", "BASIC")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("question over limit", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		rec := h.do(http.MethodPost, "/v1/demo/runs", createBody(strings.Repeat("가", 513)), "alice", "BASIC")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		rec := h.do(http.MethodPost, "/v1/demo/runs", createBody(strings.Repeat("a", 5000)), "alice", "BASIC")
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", rec.Code)
		}
	})

	t.Run("wrong content type", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		req := httptest.NewRequest(http.MethodPost, "/v1/demo/runs", strings.NewReader(createBody("x")))
		req.Header.Set(auth.ProxySecretHeader, testProxySecret)
		req.Header.Set(auth.ActorIDHeader, "alice")
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	// Only an explicitly wrong Content-Type is rejected; clients that omit
	// the header entirely still get their body parsed.
	t.Run("missing content type", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		req := httptest.NewRequest(http.MethodPost, "/v1/demo/runs", strings.NewReader(createBody("no header")))
		req.Header.Set(auth.ProxySecretHeader, testProxySecret)
		req.Header.Set(auth.ActorIDHeader, "alice")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
	})
}

func TestGateRejections(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		h := newHarness(t, testProxySecret)
		req := httptest.NewRequest(http.MethodPost, "/v1/demo/runs", strings.NewReader(createBody("x")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		d := decodeProblem(t, rec)
		if d.Status != http.StatusUnauthorized {
			t.Fatalf("problem status = %d", d.Status)
		}
		// Even rejections disclose parseable defaults.
		if rec.Header().Get(quota.PolicyHeader) == "" {
			t.Fatal("rate limit headers missing on 401")
		}
	})

	t.Run("unconfigured gate fails closed", func(t *testing.T) {
		h := newHarness(t, "")
		rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("x"), "alice", "BASIC")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}

func TestPollLifecycle(t *testing.T) {
	h := newHarness(t, testProxySecret)

	rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("lifecycle"), "alice", "BASIC")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d", rec.Code)
	}
	var rcpt runs.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &rcpt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}

	poll := h.do(http.MethodGet, rcpt.PollURL, "", "alice", "BASIC")
	if poll.Code != http.StatusOK {
		t.Fatalf("poll status = %d: %s", poll.Code, poll.Body.String())
	}
	var view runs.View
	if err := json.Unmarshal(poll.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != runs.StatusCompleted {
		t.Fatalf("view status = %q", view.Status)
	}
	if view.ResultInline == nil {
		t.Fatal("inline result missing")
	}
	if got := poll.Header().Get(quota.PolicyHeader); got != `"get_rpm";q=24;w=60` {
		t.Fatalf("policy header = %q", got)
	}

	// Back-to-back poll violates the plan cadence.
	again := h.do(http.MethodGet, rcpt.PollURL, "", "alice", "BASIC")
	if again.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", again.Code)
	}
	d := decodeProblem(t, again)
	if len(d.ViolatedPolicies) != 1 || d.ViolatedPolicies[0].PolicyName != "poll_interval" {
		t.Fatalf("unexpected policies: %+v", d.ViolatedPolicies)
	}
	ra, err := strconv.Atoi(again.Header().Get("Retry-After"))
	if err != nil || ra < 1 || ra > 3 {
		t.Fatalf("Retry-After = %q", again.Header().Get("Retry-After"))
	}

	h.clock.Advance(3 * time.Second)
	ok := h.do(http.MethodGet, rcpt.PollURL, "", "alice", "BASIC")
	if ok.Code != http.StatusOK {
		t.Fatalf("status after backoff = %d", ok.Code)
	}
}

func TestPollExpirySplitsByOwnership(t *testing.T) {
	h := newHarness(t, testProxySecret)

	rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("expiry"), "alice", "BASIC")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d", rec.Code)
	}
	var rcpt runs.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &rcpt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}

	// Keep the record resident past its natural TTL so the retention check,
	// not store expiry, drives the outcome.
	ctx := context.Background()
	raw, ok, err := h.st.Get(ctx, "demo:run:"+rcpt.RunID)
	if err != nil || !ok {
		t.Fatalf("load run: ok=%v err=%v", ok, err)
	}
	if err := h.st.Set(ctx, "demo:run:"+rcpt.RunID, raw, 365*24*time.Hour); err != nil {
		t.Fatalf("extend ttl: %v", err)
	}

	h.clock.Advance(7*24*time.Hour + time.Minute)

	owner := h.do(http.MethodGet, rcpt.PollURL, "", "alice", "BASIC")
	if owner.Code != http.StatusGone {
		t.Fatalf("owner status = %d, want 410: %s", owner.Code, owner.Body.String())
	}

	other := h.do(http.MethodGet, rcpt.PollURL, "", "bob", "BASIC")
	if other.Code != http.StatusNotFound {
		t.Fatalf("non-owner status = %d, want 404", other.Code)
	}

	unknown := h.do(http.MethodGet, "/v1/demo/runs/demo_0000000000000000", "", "alice", "BASIC")
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d, want 404", unknown.Code)
	}
}

func TestPollReclaimsZombieRun(t *testing.T) {
	h := newHarness(t, testProxySecret)
	ctx := context.Background()
	base := h.clock.Now().UTC()

	run := runs.Run{
		ID:             "demo_stuck00000001",
		Status:         runs.StatusProcessing,
		Plan:           "BASIC",
		CreatedAt:      base,
		OwnerKey:       h.actorKey("alice"),
		RetentionUntil: base.Add(7 * 24 * time.Hour),
	}
	data, _ := json.Marshal(run)
	if err := h.st.Set(ctx, "demo:run:"+run.ID, string(data), 7*24*time.Hour); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	h.clock.Advance(6 * time.Minute)

	rec := h.do(http.MethodGet, "/v1/demo/runs/"+run.ID, "", "alice", "BASIC")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var view runs.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != runs.StatusTimeout {
		t.Fatalf("view status = %q, want TIMEOUT", view.Status)
	}
}

func TestMonthlyQuotaRejection(t *testing.T) {
	h := newHarness(t, testProxySecret)
	ctx := context.Background()

	key := "demo:usage:" + h.actorKey("alice") + ":" + h.clock.Now().UTC().Format("2006-01")
	if err := h.st.Set(ctx, key, "2000", 40*24*time.Hour); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	rec := h.do(http.MethodPost, "/v1/demo/runs", createBody("over quota"), "alice", "BASIC")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
	}
	d := decodeProblem(t, rec)
	if len(d.ViolatedPolicies) != 1 || d.ViolatedPolicies[0].PolicyName != "monthly_quota" {
		t.Fatalf("unexpected policies: %+v", d.ViolatedPolicies)
	}
	if got := rec.Header().Get(quota.StatusHeader); got != `"monthly_quota";r=0` {
		t.Fatalf("status header = %q", got)
	}
	ra, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || ra < 1 {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// PRO carries its own, larger, quota.
	pro := h.do(http.MethodPost, "/v1/demo/runs", createBody("pro still fine"), "alice", "PRO")
	if pro.Code != http.StatusAccepted {
		t.Fatalf("pro status = %d, want 202", pro.Code)
	}
}
