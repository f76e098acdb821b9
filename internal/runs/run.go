// Package runs manages the lifecycle of demo decision runs: creation under
// per-plan limits, polling with cadence and count ceilings, zombie
// reclamation, time-boxed retention and tombstoned destruction.
package runs

import (
	"encoding/json"
	"time"
)

// Status is the run state machine: QUEUED → PROCESSING → {COMPLETED, TIMEOUT}.
// Transitions are forward-only; TIMEOUT is reached via zombie reclamation.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusTimeout    Status = "TIMEOUT"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimeout
}

// Run is the persisted record. It never holds the raw question text, only
// its fingerprint, and the retention deadline is fixed at creation.
type Run struct {
	ID             string    `json:"run_id"`
	Status         Status    `json:"status"`
	Plan           string    `json:"plan"`
	CreatedAt      time.Time `json:"created_at"`
	OwnerKey       string    `json:"owner_key"`
	InputsSHA256   string    `json:"inputs_sha256"`
	InputsLen      int       `json:"inputs_len"`
	ResultSHA256   string    `json:"result_sha256,omitempty"`
	RetentionUntil time.Time `json:"retention_until"`

	// Exactly one result location: an object-store pointer, or a bounded
	// inline payload when the object store was unavailable or disabled.
	ResultBucket string          `json:"result_bucket,omitempty"`
	ResultKey    string          `json:"result_key,omitempty"`
	ResultInline json.RawMessage `json:"result_inline,omitempty"`
}

// Tombstone proves a run existed and expired. It carries no payload; it
// exists to distinguish "never existed" (404) from "existed, expired"
// (410, owner only) without exposing content.
type Tombstone struct {
	RunID     string    `json:"run_id"`
	OwnerKey  string    `json:"owner_key"`
	ExpiredAt time.Time `json:"expired_at"`
	PurgeAt   time.Time `json:"purge_at"`
}

// Meta is the AI-disclosure block attached to every receipt and poll view.
type Meta struct {
	AIGenerated  bool   `json:"ai_generated"`
	AIDisclosure string `json:"ai_disclosure"`
	Plan         string `json:"plan"`
}

// PollHint tells clients how fast to come back.
type PollHint struct {
	RecommendedDelayMS int64 `json:"recommended_delay_ms"`
}

// Receipt acknowledges an accepted run. Its status is always QUEUED even if
// the run completed synchronously: "accepted" is decoupled from "internally
// finished" so an asynchronous backend needs no response-shape change.
type Receipt struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	PollURL   string    `json:"poll_url"`
	CreatedAt time.Time `json:"created_at"`
	Poll      PollHint  `json:"poll"`
	Meta      Meta      `json:"meta"`
}

// Download points at an externally stored result. The URL is freshly minted
// on every poll and never persisted.
type Download struct {
	PresignedURL string    `json:"presigned_url"`
	SHA256       string    `json:"sha256"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// View is the poll response body.
type View struct {
	RunID          string          `json:"run_id"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	Meta           Meta            `json:"meta"`
	ResultInline   json.RawMessage `json:"result_inline,omitempty"`
	ResultDownload *Download       `json:"result_download,omitempty"`
	Poll           *PollHint       `json:"poll,omitempty"`
}
