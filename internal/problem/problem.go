// Package problem renders RFC 9457 Problem Details error bodies.
//
// Every Details carries a freshly generated opaque instance URN so a
// specific occurrence can be referenced in support requests without
// exposing paths or internal identifiers.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

const (
	typeBase          = "https://api.decisionproof.io.kr/problems/"
	typeQuotaExceeded = "https://iana.org/assignments/http-problem-types#quota-exceeded"

	quotaExceededTitle = "Request cannot be satisfied as assigned quota has been exceeded"
)

// ViolatedPolicy is the quota-exceeded extension member describing one
// policy the request violated.
type ViolatedPolicy struct {
	PolicyName    string `json:"policy_name"`
	Limit         int64  `json:"limit"`
	Current       int64  `json:"current"`
	WindowSeconds int64  `json:"window_seconds,omitempty"`
}

// Details is an RFC 9457 problem body plus the violated-policies extension.
type Details struct {
	Type             string           `json:"type"`
	Title            string           `json:"title"`
	Status           int              `json:"status"`
	Detail           string           `json:"detail"`
	Instance         string           `json:"instance"`
	ViolatedPolicies []ViolatedPolicy `json:"violated-policies,omitempty"`

	// retryAfter is rendered as a Retry-After header, not a body member.
	retryAfter int64
}

func newDetails(typeURI, title string, status int, detail string) *Details {
	return &Details{
		Type:     typeURI,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: "urn:decisionproof:trace:" + uuid.NewString(),
	}
}

func Unauthorized(detail string) *Details {
	return newDetails(typeBase+"unauthorized", "Unauthorized", http.StatusUnauthorized, detail)
}

func RequestTooLarge(maxBytes int64) *Details {
	return newDetails(typeBase+"request-too-large", "Request Entity Too Large",
		http.StatusRequestEntityTooLarge,
		fmt.Sprintf("Request body exceeds %d bytes.", maxBytes))
}

func Validation(detail string) *Details {
	return newDetails(typeBase+"validation-error", "Unprocessable Entity",
		http.StatusUnprocessableEntity, detail)
}

// QuotaExceeded builds a 429 with a positive Retry-After and the violated
// policies, when known.
func QuotaExceeded(detail string, retryAfter int64, policies ...ViolatedPolicy) *Details {
	if retryAfter < 1 {
		retryAfter = 1
	}
	d := newDetails(typeQuotaExceeded, quotaExceededTitle, http.StatusTooManyRequests, detail)
	d.retryAfter = retryAfter
	d.ViolatedPolicies = policies
	return d
}

func NotFound(detail string) *Details {
	if detail == "" {
		detail = "Run not found."
	}
	return newDetails(typeBase+"not-found", "Not Found", http.StatusNotFound, detail)
}

func Gone(detail string) *Details {
	if detail == "" {
		detail = "Run has expired and its data has been purged."
	}
	return newDetails(typeBase+"gone", "Gone", http.StatusGone, detail)
}

func Internal() *Details {
	return newDetails(typeBase+"internal", "Internal Server Error",
		http.StatusInternalServerError, "An internal error occurred.")
}

// ServiceUnavailable reports a server-side configuration failure. It is the
// fail-closed response when the verification secret is absent.
func ServiceUnavailable(detail string) *Details {
	return newDetails(typeBase+"service-unavailable", "Service Unavailable",
		http.StatusServiceUnavailable, detail)
}

// RetryAfter returns the Retry-After seconds, zero when not applicable.
func (d *Details) RetryAfter() int64 { return d.retryAfter }

// Write renders d as application/problem+json. Retry-After, when present,
// takes precedence over any generic reset hint already set on w.
func (d *Details) Write(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/problem+json")
	h.Set("Cache-Control", "no-store")
	if d.retryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(d.retryAfter, 10))
	}
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
