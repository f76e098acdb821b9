package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ghilp934/Decisionproof/internal/auth"
	"github.com/ghilp934/Decisionproof/internal/metrics"
	"github.com/ghilp934/Decisionproof/internal/plan"
	"github.com/ghilp934/Decisionproof/internal/problem"
	"github.com/ghilp934/Decisionproof/internal/quota"
	"github.com/ghilp934/Decisionproof/internal/ratelimit"
	"github.com/ghilp934/Decisionproof/internal/runs"
)

type Server struct {
	gate    *auth.Gate
	actors  *auth.Deriver
	engine  *quota.Engine
	runs    *runs.Service
	metrics *metrics.Metrics

	// Per-IP abuse brakes in front of the plan-aware checks. Single-instance
	// only; the real limits live in the counter store.
	createLimiter *ratelimit.Limiter
	pollLimiter   *ratelimit.Limiter

	mux *http.ServeMux
}

func NewServer(gate *auth.Gate, actors *auth.Deriver, engine *quota.Engine, runsSvc *runs.Service, met *metrics.Metrics) *Server {
	mux := http.NewServeMux()

	s := &Server{
		gate:    gate,
		actors:  actors,
		engine:  engine,
		runs:    runsSvc,
		metrics: met,
		// Generous relative to the strictest plan limits, so the plan-aware
		// checks stay authoritative under normal traffic.
		createLimiter: ratelimit.New(2.0, 10),
		pollLimiter:   ratelimit.New(8.0, 30),
		mux:           mux,
	}

	// Sweep rate limiter buckets every 2 minutes, evict after 10 minutes idle.
	s.createLimiter.StartGC(2*time.Minute, 10*time.Minute)
	s.pollLimiter.StartGC(2*time.Minute, 10*time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", met.Handler())

	mux.HandleFunc("POST /v1/demo/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/demo/runs/{run_id}", s.handlePollRun)

	return s
}

func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux)
}

// Close stops background goroutines (rate limiter GC). Safe to call multiple times.
func (s *Server) Close() {
	s.createLimiter.Stop()
	s.pollLimiter.Stop()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// admit runs the checks shared by both endpoints: gate verification and
// actor derivation. ok is false when the rejection has been written.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (actor string, p plan.Plan, ok bool) {
	if err := s.gate.Verify(r); err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			slog.Error("gate is not configured, rejecting all traffic")
			problem.ServiceUnavailable("Service is not accepting requests.").Write(w)
		} else {
			problem.Unauthorized("Request credentials are missing or invalid.").Write(w)
		}
		return "", plan.Plan{}, false
	}

	return s.actors.ActorKey(r), plan.Resolve(r.Header.Get(auth.PlanHeader)), true
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if !s.createLimiter.Allow(clientIP(r)) {
		s.metrics.LimitViolations.WithLabelValues("edge_ip").Inc()
		problem.QuotaExceeded("Too many requests from this address.", 10).Write(w)
		return
	}

	actor, p, ok := s.admit(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := s.engine.CheckRPM(ctx, actor, quota.ScopePost, p)
	if err != nil {
		slog.Error("rpm check error", "err", err)
		problem.Internal().Write(w)
		return
	}
	if v != nil {
		s.reject(ctx, w, actor, quota.ScopePost, p, v)
		return
	}

	if !isJSONContentType(r) {
		s.fail(ctx, w, actor, quota.ScopePost, p, problem.Validation("Content-Type must be application/json."))
		return
	}

	// Size ceiling is enforced before parsing, so oversized bodies are
	// rejected without being read in full.
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateRunRequest
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.fail(ctx, w, actor, quota.ScopePost, p, problem.RequestTooLarge(MaxBodyBytes))
			return
		}
		s.fail(ctx, w, actor, quota.ScopePost, p, problem.Validation(mapDecodeError(err)))
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		s.fail(ctx, w, actor, quota.ScopePost, p, problem.Validation("Request body must be a single JSON document."))
		return
	}

	question := strings.TrimSpace(req.Inputs.Question)
	if question == "" {
		s.fail(ctx, w, actor, quota.ScopePost, p, problem.Validation("inputs.question is required."))
		return
	}
	if utf8.RuneCountInString(question) > MaxQuestionLen {
		s.fail(ctx, w, actor, quota.ScopePost, p, problem.Validation("inputs.question exceeds the maximum length of 512 characters."))
		return
	}

	if v, err := s.engine.CheckMonthlyQuota(ctx, actor, p); err != nil {
		slog.Error("monthly quota check error", "err", err)
		problem.Internal().Write(w)
		return
	} else if v != nil {
		s.rejectMonthly(ctx, w, actor, p, v)
		return
	}
	if v, err := s.engine.CheckOverageCap(ctx, actor, p); err != nil {
		slog.Error("overage cap check error", "err", err)
		problem.Internal().Write(w)
		return
	} else if v != nil {
		s.rejectMonthly(ctx, w, actor, p, v)
		return
	}

	rcpt, err := s.runs.Create(ctx, actor, p, question)
	if err != nil {
		var le *runs.LimitError
		if errors.As(err, &le) {
			s.metrics.LimitViolations.WithLabelValues(le.Policy.PolicyName).Inc()
			s.engine.SetRateHeaders(ctx, w.Header(), actor, quota.ScopePost, p)
			le.Problem().Write(w)
			return
		}
		slog.Error("create run error", "err", err)
		problem.Internal().Write(w)
		return
	}

	s.metrics.AdmissionChecks.WithLabelValues(string(quota.ScopePost), "allowed").Inc()
	s.engine.SetRateHeaders(ctx, w.Header(), actor, quota.ScopePost, p)
	setDisclosureHeaders(w.Header())
	writeJSON(w, http.StatusAccepted, rcpt)
}

func (s *Server) handlePollRun(w http.ResponseWriter, r *http.Request) {
	if !s.pollLimiter.Allow(clientIP(r)) {
		s.metrics.LimitViolations.WithLabelValues("edge_ip").Inc()
		problem.QuotaExceeded("Too many requests from this address.", 10).Write(w)
		return
	}

	actor, p, ok := s.admit(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := s.engine.CheckRPM(ctx, actor, quota.ScopeGet, p)
	if err != nil {
		slog.Error("rpm check error", "err", err)
		problem.Internal().Write(w)
		return
	}
	if v != nil {
		s.reject(ctx, w, actor, quota.ScopeGet, p, v)
		return
	}

	id := r.PathValue("run_id")
	if id == "" || !strings.HasPrefix(id, "demo_") {
		s.engine.SetRateHeaders(ctx, w.Header(), actor, quota.ScopeGet, p)
		problem.NotFound("Run not found.").Write(w)
		return
	}

	view, err := s.runs.Poll(ctx, actor, p, id)
	if err != nil {
		s.engine.SetRateHeaders(ctx, w.Header(), actor, quota.ScopeGet, p)
		switch {
		case errors.Is(err, runs.ErrNotFound):
			problem.NotFound("Run not found.").Write(w)
		case errors.Is(err, runs.ErrGone):
			problem.Gone("Run results have expired and are no longer available.").Write(w)
		default:
			var le *runs.LimitError
			if errors.As(err, &le) {
				s.metrics.LimitViolations.WithLabelValues(le.Policy.PolicyName).Inc()
				le.Problem().Write(w)
				return
			}
			slog.Error("poll run error", "err", err)
			problem.Internal().Write(w)
		}
		return
	}

	s.metrics.AdmissionChecks.WithLabelValues(string(quota.ScopeGet), "allowed").Inc()
	s.engine.SetRateHeaders(ctx, w.Header(), actor, quota.ScopeGet, p)
	setDisclosureHeaders(w.Header())
	writeJSON(w, http.StatusOK, view)
}

// reject writes a rate violation with the actor's live RateLimit headers.
func (s *Server) reject(ctx context.Context, w http.ResponseWriter, actor string, scope quota.Scope, p plan.Plan, v *quota.Violation) {
	s.metrics.AdmissionChecks.WithLabelValues(string(scope), "rejected").Inc()
	s.metrics.LimitViolations.WithLabelValues(v.Policy.PolicyName).Inc()
	s.engine.SetRateHeaders(ctx, w.Header(), actor, scope, p)
	v.Problem().Write(w)
}

func (s *Server) rejectMonthly(ctx context.Context, w http.ResponseWriter, actor string, p plan.Plan, v *quota.Violation) {
	s.metrics.AdmissionChecks.WithLabelValues(string(quota.ScopePost), "rejected").Inc()
	s.metrics.LimitViolations.WithLabelValues(v.Policy.PolicyName).Inc()
	s.engine.SetMonthlyHeaders(ctx, w.Header(), actor, p)
	v.Problem().Write(w)
}

// fail writes a non-quota rejection, still disclosing the actor's current
// rate standing. The consumed rate token is not refunded: malformed requests
// spend budget too.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, actor string, scope quota.Scope, p plan.Plan, d *problem.Details) {
	s.engine.SetRateHeaders(ctx, w.Header(), actor, scope, p)
	d.Write(w)
}

func setDisclosureHeaders(h http.Header) {
	h.Set("X-DP-AI-Generated", "true")
	h.Set("X-DP-AI-Disclosure", runs.Disclosure)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	// Trust proxy headers only from loopback (gateway/reverse proxy on same host).
	if host == "127.0.0.1" || host == "::1" {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost IP is the original client.
			if i := strings.IndexByte(xff, ','); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
	}

	return host
}
