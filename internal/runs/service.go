package runs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ghilp934/Decisionproof/internal/objstore"
	"github.com/ghilp934/Decisionproof/internal/plan"
	"github.com/ghilp934/Decisionproof/internal/problem"
	"github.com/ghilp934/Decisionproof/internal/store"
)

const (
	// MaxInlineResultBytes bounds the payload stored in the counter store
	// when the object store is unavailable.
	MaxInlineResultBytes = 8 << 10

	// TombstoneTTL is how long proof-of-expiry outlives the run itself.
	TombstoneTTL = 90 * 24 * time.Hour

	// DefaultPresignTTL bounds the lifetime of freshly minted download URLs.
	DefaultPresignTTL = 10 * time.Minute

	// slotRetryAfter is the retry hint for ceilings with no rolling reset:
	// the concurrency cap and the per-run poll-count ceiling.
	slotRetryAfter = 900
)

var (
	// ErrNotFound covers both "never existed" and "expired, polled by a
	// non-owner": the two are indistinguishable by design.
	ErrNotFound = errors.New("runs: not found")

	// ErrGone means the run expired and the caller owns it.
	ErrGone = errors.New("runs: expired")
)

// LimitError is a per-plan limit rejection, rendered as a 429.
type LimitError struct {
	Detail     string
	RetryAfter int64
	Policy     problem.ViolatedPolicy
}

func (e *LimitError) Error() string { return e.Detail }

// Problem converts the rejection into a renderable 429.
func (e *LimitError) Problem() *problem.Details {
	return problem.QuotaExceeded(e.Detail, e.RetryAfter, e.Policy)
}

// Service owns run records in the counter store and enforces the per-plan
// lifecycle limits. Results are synthesized synchronously at creation; the
// full state machine, including zombie reclamation, is enforced regardless
// so an asynchronous backend can slot in without API changes.
type Service struct {
	store   store.Store
	objects objstore.ObjectStore // nil disables external result storage
	logger  *slog.Logger

	now        func() time.Time
	newID      func() (string, error)
	presignTTL time.Duration

	onTransition func(state string) // optional, instrumentation only
}

// Option adjusts a Service; used by tests to inject clocks and id sequences.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newID = gen }
}

func WithPresignTTL(ttl time.Duration) Option {
	return func(s *Service) { s.presignTTL = ttl }
}

// WithTransitionHook registers a callback fired on every state transition,
// keyed by the target state.
func WithTransitionHook(fn func(state string)) Option {
	return func(s *Service) { s.onTransition = fn }
}

func NewService(st store.Store, objects objstore.ObjectStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:      st,
		objects:    objects,
		logger:     logger,
		now:        time.Now,
		newID:      NewRunID,
		presignTTL: DefaultPresignTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create admits a new run for actor under plan p. The question has already
// passed structural validation; Create enforces the concurrency cap,
// synthesizes the result, persists the record for exactly the plan's
// retention and returns the receipt.
func (s *Service) Create(ctx context.Context, actor string, p plan.Plan, question string) (*Receipt, error) {
	if !plan.Unlimited(p.MaxActive) {
		active, err := s.counter(ctx, activeKey(actor))
		if err != nil {
			return nil, err
		}
		if active >= p.MaxActive {
			return nil, &LimitError{
				Detail:     fmt.Sprintf("Max concurrent active runs (%d) reached for %s plan.", p.MaxActive, p.Name),
				RetryAfter: slotRetryAfter,
				Policy: problem.ViolatedPolicy{
					PolicyName: "max_active",
					Limit:      p.MaxActive,
					Current:    active,
				},
			}
		}
	}

	id, err := s.newID()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inputsHash := sha256.Sum256([]byte(question))

	resultJSON, err := demoResultJSON(now)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	resultHash := sha256.Sum256(resultJSON)

	run := Run{
		ID:             id,
		Status:         StatusCompleted, // synchronous synthesis, no worker yet
		Plan:           p.Name,
		CreatedAt:      now,
		OwnerKey:       actor,
		InputsSHA256:   hex.EncodeToString(inputsHash[:]),
		InputsLen:      utf8.RuneCountInString(question),
		ResultSHA256:   hex.EncodeToString(resultHash[:]),
		RetentionUntil: now.Add(p.Retention),
	}

	if bucket, key, ok := s.uploadResult(ctx, id, resultJSON); ok {
		run.ResultBucket = bucket
		run.ResultKey = key
	} else {
		if len(resultJSON) > MaxInlineResultBytes {
			return nil, fmt.Errorf("inline result exceeds %d bytes", MaxInlineResultBytes)
		}
		run.ResultInline = resultJSON
	}

	if err := s.persist(ctx, &run, p.Retention); err != nil {
		return nil, err
	}

	// A run that completes synchronously never holds a concurrency slot.
	// A future asynchronous backend increments activeKey here and releases
	// it on the terminal transition.
	s.transitioned(StatusCompleted)

	return &Receipt{
		RunID:     id,
		Status:    StatusQueued,
		PollURL:   "/v1/demo/runs/" + id,
		CreatedAt: now,
		Poll:      PollHint{RecommendedDelayMS: p.PollDelay.Milliseconds()},
		Meta:      s.meta(p.Name),
	}, nil
}

// Poll renders the run's current state for actor, enforcing the retention,
// zombie, poll-cadence and poll-count rules on the way. Returns ErrNotFound,
// ErrGone or *LimitError for the caller-visible rejections.
func (s *Service) Poll(ctx context.Context, actor string, p plan.Plan, id string) (*View, error) {
	// Tombstone first: an expired-but-unpurged run must present identically
	// to a purged one.
	if raw, ok, err := s.store.Get(ctx, tombstoneKey(id)); err != nil {
		return nil, fmt.Errorf("load tombstone: %w", err)
	} else if ok {
		var ts Tombstone
		if err := json.Unmarshal([]byte(raw), &ts); err == nil && ts.OwnerKey == actor {
			return nil, ErrGone
		}
		return nil, ErrNotFound
	}

	raw, ok, err := s.store.Get(ctx, runKey(id))
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var run Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		s.logger.Error("corrupt run record", "run_id", id)
		return nil, ErrNotFound
	}

	now := s.now().UTC()

	// Retention deadline crossed: destroy the record, keep only the proof.
	if now.After(run.RetentionUntil) {
		s.entomb(ctx, &run)
		if run.OwnerKey == actor {
			return nil, ErrGone
		}
		return nil, ErrNotFound
	}

	// The run's own plan governs its zombie timeout, not the poller's.
	s.reclaimZombie(ctx, &run, plan.Resolve(run.Plan), now)

	if v := s.throttlePoll(ctx, actor, p, id, now); v != nil {
		return nil, v
	}

	// Record the poll only after every guard passed.
	s.recordPoll(ctx, actor, p, id, now)

	return s.view(ctx, &run, p), nil
}

// reclaimZombie forces a run stuck non-terminal past its plan's timeout into
// TIMEOUT and releases its concurrency slot. The record keeps its original
// retention deadline.
func (s *Service) reclaimZombie(ctx context.Context, run *Run, p plan.Plan, now time.Time) {
	if run.Status.Terminal() {
		return
	}
	if plan.Unlimited(int64(p.ZombieTimeout)) || now.Sub(run.CreatedAt) <= p.ZombieTimeout {
		return
	}

	run.Status = StatusTimeout
	if _, err := s.store.Decr(ctx, activeKey(run.OwnerKey)); err != nil {
		s.logger.Warn("release concurrency slot failed", "run_id", run.ID, "err", err)
	}

	ttl := run.RetentionUntil.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.persist(ctx, run, ttl); err != nil {
		s.logger.Warn("persist zombie timeout failed", "run_id", run.ID, "err", err)
	}
	s.transitioned(StatusTimeout)
	s.logger.Info("zombie run reclaimed", "run_id", run.ID, "age", now.Sub(run.CreatedAt))
}

func (s *Service) transitioned(state Status) {
	if s.onTransition != nil {
		s.onTransition(string(state))
	}
}

// throttlePoll enforces the per-(actor, run) cadence and count ceilings.
func (s *Service) throttlePoll(ctx context.Context, actor string, p plan.Plan, id string, now time.Time) *LimitError {
	minInterval := p.PollMinInterval
	if minInterval > 0 {
		if raw, ok, err := s.store.Get(ctx, pollLastKey(actor, id)); err == nil && ok {
			if lastMS, err := strconv.ParseInt(raw, 10, 64); err == nil {
				elapsed := now.Sub(time.UnixMilli(lastMS))
				if elapsed < minInterval {
					retry := int64(math.Ceil((minInterval - elapsed).Seconds()))
					if retry < 1 {
						retry = 1
					}
					return &LimitError{
						Detail:     fmt.Sprintf("Polling too fast. Minimum interval: %ds for %s plan.", int64(minInterval/time.Second), p.Name),
						RetryAfter: retry,
						Policy: problem.ViolatedPolicy{
							PolicyName:    "poll_interval",
							Limit:         int64(minInterval / time.Second),
							WindowSeconds: int64(minInterval / time.Second),
						},
					}
				}
			}
		}
	}

	if !plan.Unlimited(p.PollMaxCount) {
		count, err := s.counter(ctx, pollCountKey(actor, id))
		if err == nil && count >= p.PollMaxCount {
			return &LimitError{
				Detail:     fmt.Sprintf("Maximum poll count (%d) reached for this run.", p.PollMaxCount),
				RetryAfter: slotRetryAfter,
				Policy: problem.ViolatedPolicy{
					PolicyName: "poll_count",
					Limit:      p.PollMaxCount,
					Current:    count,
				},
			}
		}
	}

	return nil
}

func (s *Service) recordPoll(ctx context.Context, actor string, p plan.Plan, id string, now time.Time) {
	last := strconv.FormatInt(now.UnixMilli(), 10)
	if err := s.store.Set(ctx, pollLastKey(actor, id), last, TombstoneTTL); err != nil {
		s.logger.Warn("record poll timestamp failed", "run_id", id, "err", err)
	}
	if _, err := s.store.IncrEx(ctx, pollCountKey(actor, id), p.Retention); err != nil {
		s.logger.Warn("record poll count failed", "run_id", id, "err", err)
	}
}

// view renders the run. Completed runs carry the inline result and, when the
// result lives in the object store, a download pointer minted for this call
// only.
func (s *Service) view(ctx context.Context, run *Run, p plan.Plan) *View {
	v := &View{
		RunID:     run.ID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
		Meta:      s.meta(run.Plan),
	}

	switch {
	case run.Status == StatusCompleted:
		v.ResultInline = run.ResultInline
		if len(v.ResultInline) == 0 {
			if inline, err := demoResultJSON(run.CreatedAt); err == nil {
				v.ResultInline = inline
			}
		}
		v.ResultDownload = s.freshDownload(ctx, run)
	case !run.Status.Terminal():
		v.Poll = &PollHint{RecommendedDelayMS: p.PollDelay.Milliseconds()}
	}

	return v
}

func (s *Service) meta(planName string) Meta {
	return Meta{AIGenerated: true, AIDisclosure: Disclosure, Plan: planName}
}

// freshDownload presigns the stored result. Failure is a degradation, not an
// error: the inline result still satisfies the poll.
func (s *Service) freshDownload(ctx context.Context, run *Run) *Download {
	if s.objects == nil || run.ResultBucket == "" || run.ResultKey == "" {
		return nil
	}
	url, expiresAt, err := s.objects.Presign(ctx, run.ResultBucket, run.ResultKey, s.presignTTL)
	if err != nil {
		s.logger.Warn("presign failed", "run_id", run.ID, "err", err)
		return nil
	}
	return &Download{PresignedURL: url, SHA256: run.ResultSHA256, ExpiresAt: expiresAt}
}

// uploadResult tries the object store; ok is false when the result must be
// delivered inline instead.
func (s *Service) uploadResult(ctx context.Context, id string, data []byte) (bucket, key string, ok bool) {
	if s.objects == nil {
		return "", "", false
	}
	bucket, key, err := s.objects.Upload(ctx, "demo/"+id+"/result.json", data)
	if err != nil {
		s.logger.Warn("object store upload failed, delivering inline", "run_id", id, "err", err)
		return "", "", false
	}
	return bucket, key, true
}

// entomb converts an expired run into its tombstone and deletes the record.
// Failures are logged: the record's own TTL still bounds its lifetime.
func (s *Service) entomb(ctx context.Context, run *Run) {
	now := s.now().UTC()
	ts := Tombstone{
		RunID:     run.ID,
		OwnerKey:  run.OwnerKey,
		ExpiredAt: now,
		PurgeAt:   now.Add(TombstoneTTL),
	}
	data, err := json.Marshal(ts)
	if err != nil {
		s.logger.Error("encode tombstone failed", "run_id", run.ID, "err", err)
		return
	}
	if err := s.store.Set(ctx, tombstoneKey(run.ID), string(data), TombstoneTTL); err != nil {
		s.logger.Warn("store tombstone failed", "run_id", run.ID, "err", err)
	}
	if err := s.store.Delete(ctx, runKey(run.ID)); err != nil {
		s.logger.Warn("delete expired run failed", "run_id", run.ID, "err", err)
	}
}

// SweepExpired tombstones every run whose retention deadline has passed and
// releases slots still held by non-terminal expired runs. Redis purges run
// records via native TTL, so the sweep mostly matters for the in-process
// store, where expiry is lazy.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	keys, err := s.store.Keys(ctx, runKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}

	now := s.now().UTC()
	var swept int64
	for _, key := range keys {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var run Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			continue
		}
		if !now.After(run.RetentionUntil) {
			continue
		}
		if !run.Status.Terminal() {
			if _, err := s.store.Decr(ctx, activeKey(run.OwnerKey)); err != nil {
				s.logger.Warn("release concurrency slot failed", "run_id", run.ID, "err", err)
			}
			s.transitioned(StatusTimeout)
		}
		s.entomb(ctx, &run)
		swept++
	}
	return swept, nil
}

func (s *Service) persist(ctx context.Context, run *Run, ttl time.Duration) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if err := s.store.Set(ctx, runKey(run.ID), string(data), ttl); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	return nil
}

// counter reads an integer counter, treating absence as zero.
func (s *Service) counter(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s is not an integer", key)
	}
	return n, nil
}
