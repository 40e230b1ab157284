package idempotency

import (
	"context"
	"time"
)

// Store persists idempotency records with passive expiry. Implementations must
// be safe for concurrent use and never return an expired record.
type Store interface {
	// TryInsertInProgress atomically creates an IN_PROGRESS record with a fresh
	// owner token unless a live record exists, in which case it returns that one.
	TryInsertInProgress(ctx context.Context, key string, ttl time.Duration) (Outcome, error)

	// Complete moves the IN_PROGRESS record held by owner to COMPLETE and resets
	// its expiry to ttl. Returns ErrRecordNotFound if there is no such live record.
	Complete(ctx context.Context, key, owner string, resp Response, ttl time.Duration) error

	// Delete removes the record for key if owner still holds it IN_PROGRESS.
	// A missing, foreign or completed record is left alone and is not an error.
	Delete(ctx context.Context, key, owner string) error

	// Get returns the live record, or nil when absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
}
