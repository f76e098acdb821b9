package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// Failover serves every operation from the primary store and degrades to the
// in-process fallback only when the primary is unreachable. The fallback is
// a single-instance degradation: counters diverge across replicas while the
// primary is down, so multi-replica deployments must alarm on OnDegrade
// rather than treat the fallback as equivalent.
//
// Degradation is scoped to transport-level failures (see unreachable); an
// error from the primary that indicates corrupt data is returned to the
// caller unchanged.
type Failover struct {
	primary  Store
	fallback Store
	logger   *slog.Logger

	// OnDegrade, when set, is invoked with the operation name each time a
	// call falls back. Used for metrics.
	OnDegrade func(op string)
}

// NewFailover wraps primary with fallback. A nil logger defaults to
// slog.Default.
func NewFailover(primary, fallback Store, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{primary: primary, fallback: fallback, logger: logger}
}

// unreachable reports whether err indicates the primary store cannot be
// reached, as opposed to a request- or data-level failure.
func unreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (f *Failover) degrade(op string, err error) {
	f.logger.Warn("counter store unreachable, using in-process fallback",
		"op", op, "err", err)
	if f.OnDegrade != nil {
		f.OnDegrade(op)
	}
}

func (f *Failover) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if unreachable(err) {
		f.degrade("get", err)
		return f.fallback.Get(ctx, key)
	}
	return v, ok, err
}

func (f *Failover) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, value, ttl)
	if unreachable(err) {
		f.degrade("set", err)
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (f *Failover) IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := f.primary.IncrEx(ctx, key, ttl)
	if unreachable(err) {
		f.degrade("incr", err)
		return f.fallback.IncrEx(ctx, key, ttl)
	}
	return n, err
}

func (f *Failover) Decr(ctx context.Context, key string) (int64, error) {
	n, err := f.primary.Decr(ctx, key)
	if unreachable(err) {
		f.degrade("decr", err)
		return f.fallback.Decr(ctx, key)
	}
	return n, err
}

func (f *Failover) Delete(ctx context.Context, key string) error {
	err := f.primary.Delete(ctx, key)
	if unreachable(err) {
		f.degrade("delete", err)
		return f.fallback.Delete(ctx, key)
	}
	return err
}

func (f *Failover) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, ok, err := f.primary.TTL(ctx, key)
	if unreachable(err) {
		f.degrade("ttl", err)
		return f.fallback.TTL(ctx, key)
	}
	return d, ok, err
}

func (f *Failover) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := f.primary.Keys(ctx, prefix)
	if unreachable(err) {
		f.degrade("keys", err)
		return f.fallback.Keys(ctx, prefix)
	}
	return keys, err
}
