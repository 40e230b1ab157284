package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoreOption configures a Store backend.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now      func() time.Time
	newOwner func() string
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now, newOwner: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithStoreClock overrides the clock used for expiry decisions.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

// sweepEvery is how many inserts pass between scans for expired records.
const sweepEvery = 64

// MemoryStore is a Store held in process memory. It suits single-instance
// deployments and tests; state is not shared across processes.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	inserts int
	opts    storeOptions
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		opts:    newStoreOptions(opts),
	}
}

func (s *MemoryStore) TryInsertInProgress(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	if rec, ok := s.records[key]; ok && !rec.Expired(now) {
		return Outcome{Record: rec}, nil
	}

	rec := Record{
		Key:       key,
		Status:    StatusInProgress,
		Owner:     s.opts.newOwner(),
		CreatedAt: now,
		ExpiresAt: expiryEpoch(now, ttl),
	}
	s.records[key] = rec
	s.inserts++
	if s.inserts%sweepEvery == 0 {
		s.cleanupExpiredLocked(now)
	}
	return Outcome{Inserted: true, Record: rec}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, owner string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	rec, ok := s.records[key]
	if !ok || rec.Expired(now) || rec.Status != StatusInProgress || rec.Owner != owner {
		return ErrRecordNotFound
	}

	rec.Status = StatusComplete
	rec.Response = &Response{StatusCode: resp.StatusCode, Body: resp.Body}
	rec.ExpiresAt = expiryEpoch(now, ttl)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Owner == owner && rec.Status == StatusInProgress {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.opts.now()) {
		return nil, nil
	}
	return &rec, nil
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *MemoryStore) cleanupExpiredLocked(now time.Time) {
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
