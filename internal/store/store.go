// Package store provides the counter and record store backing quota
// enforcement and run persistence: a shared Redis implementation, an
// in-process implementation for single-node operation, and a failover
// wrapper that degrades from the former to the latter.
package store

import (
	"context"
	"time"
)

// Store is a key-value store with TTL semantics. All operations are atomic
// with respect to concurrent callers on the same key.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key. A positive ttl bounds the key's lifetime;
	// zero means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// IncrEx atomically increments the integer counter at key and returns
	// the new value. The ttl is applied only by the increment that creates
	// the key, so the window length is fixed at first use.
	IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr atomically decrements the counter at key, flooring at zero.
	Decr(ctx context.Context, key string) (int64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key; ok is false when the key
	// is absent or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Keys lists keys beginning with prefix. Intended for maintenance
	// sweeps, not hot paths.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
