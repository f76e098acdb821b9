// Package objstore stores result payloads in object storage and mints
// time-limited download URLs. Both operations are allowed to fail: callers
// degrade to inline result delivery.
package objstore

import (
	"context"
	"time"
)

// ObjectStore is the narrow surface the run lifecycle needs.
type ObjectStore interface {
	// Upload stores data under key and returns the location it can later
	// be presigned from.
	Upload(ctx context.Context, key string, data []byte) (bucket string, objectKey string, err error)

	// Presign mints a fresh, time-limited download URL for an object.
	// URLs are computed per call and must never be persisted.
	Presign(ctx context.Context, bucket, key string, ttl time.Duration) (url string, expiresAt time.Time, err error)
}
