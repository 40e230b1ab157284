package idempotency

import "errors"

var (
	// ErrMalformedRequest means the fingerprint projection could not be extracted.
	// The request never reaches the store.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrInProgress means another live attempt holds the key; retry later.
	ErrInProgress = errors.New("idempotency: request already in progress")

	// ErrRecordNotFound means no IN_PROGRESS record owned by the attempt exists.
	ErrRecordNotFound = errors.New("idempotency: record not found")

	// ErrStoreUnavailable means the record store could not be reached. The
	// operation is not executed without deduplication.
	ErrStoreUnavailable = errors.New("idempotency: record store unavailable")
)
