package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/ghilp934/Decisionproof/internal/problem"
	"github.com/ghilp934/Decisionproof/internal/quota"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

func withMiddleware(h http.Handler) http.Handler {
	h = recoverMiddleware(h)
	h = requestIDMiddleware(h)
	h = securityHeadersMiddleware(h)
	h = rateLimitDefaultsMiddleware(h)
	h = loggingMiddleware(h)
	return h
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic", "recover", rec)
				problem.Internal().Write(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			var b [16]byte
			if _, err := rand.Read(b[:]); err == nil {
				rid = hex.EncodeToString(b[:])
			}
		}
		if rid != "" {
			w.Header().Set("X-Request-Id", rid)
			ctx := context.WithValue(r.Context(), requestIDKey, rid)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Conservative disclosure advertised when no handler computed real values,
// so clients can always parse the headers.
const (
	defaultPolicyValue = `"default";q=60;w=60`
	defaultStatusValue = `"default";r=59;t=60`
)

type defaultsWriter struct {
	http.ResponseWriter
	wrote bool
}

func (dw *defaultsWriter) WriteHeader(code int) {
	if !dw.wrote {
		dw.wrote = true
		h := dw.Header()
		if h.Get(quota.PolicyHeader) == "" {
			h.Set(quota.PolicyHeader, defaultPolicyValue)
			h.Set(quota.StatusHeader, defaultStatusValue)
		}
	}
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *defaultsWriter) Write(p []byte) (int, error) {
	if !dw.wrote {
		dw.WriteHeader(http.StatusOK)
	}
	return dw.ResponseWriter.Write(p)
}

// rateLimitDefaultsMiddleware guarantees every response carries RateLimit
// disclosure headers. Handlers that computed actor-scoped values win; the
// defaults fill in for everything else.
func rateLimitDefaultsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&defaultsWriter{ResponseWriter: w}, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)
		dur := time.Since(start)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"bytes", sr.bytes,
			"duration_ms", dur.Milliseconds(),
		}
		// Note: since this middleware is the outer-most wrapper, r.Context() will
		// not reflect context changes made by inner middleware (e.g., requestID).
		// Prefer reading the request id from the response header.
		rid, _ := r.Context().Value(requestIDKey).(string)
		if rid == "" {
			rid = sr.Header().Get("X-Request-Id")
		}
		if rid != "" {
			attrs = append(attrs, "request_id", rid)
		}
		slog.Info("request", attrs...)
	})
}
