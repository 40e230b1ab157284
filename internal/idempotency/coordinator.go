package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Operation is the side-effecting work protected from duplicate execution.
type Operation func(ctx context.Context, req Request) (Response, error)

// Decision outcomes reported to the Recorder.
const (
	OutcomeExecuted           = "executed"
	OutcomeReplayed           = "replayed"
	OutcomeRejectedInProgress = "rejected_in_progress"
	OutcomeReclaimed          = "reclaimed"
	OutcomeFailed             = "failed"
)

// Coordinator runs an Operation at most once per derived key and replays the
// stored result to duplicates. All cross-request coordination is delegated to
// the Store's atomic TryInsertInProgress.
type Coordinator struct {
	store   Store
	deriver *Deriver
	op      Operation
	cfg     coordinatorConfig
}

// NewCoordinator wraps op with idempotency backed by store.
func NewCoordinator(store Store, deriver *Deriver, op Operation, opts ...Option) *Coordinator {
	cfg := coordinatorConfig{
		inProgressTTL: DefaultInProgressTTL,
		completedTTL:  DefaultCompletedTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.staleAfter <= 0 || cfg.staleAfter > cfg.inProgressTTL {
		cfg.staleAfter = cfg.inProgressTTL
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Coordinator{store: store, deriver: deriver, op: op, cfg: cfg}
}

// Execute runs the operation for req unless a live record for the same
// fingerprint exists:
//   - COMPLETE: the stored response is returned verbatim
//   - IN_PROGRESS: ErrInProgress, unless the holder is stale, in which case the
//     record is reclaimed once and the insert retried
//
// A failed operation releases the key and its error is returned unchanged.
func (c *Coordinator) Execute(ctx context.Context, req Request) (Response, error) {
	key, err := c.deriver.Derive(req)
	if err != nil {
		return Response{}, err
	}
	log := c.cfg.logger.With("idempotency_key", key)

	for attempt := 0; attempt < 2; attempt++ {
		outcome, err := c.store.TryInsertInProgress(ctx, key, c.cfg.inProgressTTL)
		if err != nil {
			log.Error("idempotency_store_failed", "op", "try_insert", "error", err.Error())
			return Response{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if outcome.Inserted {
			return c.run(ctx, log, key, outcome.Record.Owner, req)
		}

		rec := outcome.Record
		switch rec.Status {
		case StatusComplete:
			if rec.Response == nil {
				return Response{}, fmt.Errorf("%w: completed record %s has no response", ErrStoreUnavailable, key)
			}
			log.Debug("idempotency_replay")
			c.record(ctx, OutcomeReplayed)
			return *rec.Response, nil

		case StatusInProgress:
			age := c.cfg.now().Sub(rec.CreatedAt)
			if age < c.cfg.staleAfter || attempt > 0 {
				log.Debug("idempotency_in_progress", "age", age.String())
				c.record(ctx, OutcomeRejectedInProgress)
				return Response{}, ErrInProgress
			}
			log.Warn("idempotency_reclaim_stale", "age", age.String(), "stale_owner", rec.Owner)
			if err := c.store.Delete(ctx, key, rec.Owner); err != nil {
				log.Error("idempotency_store_failed", "op", "delete_stale", "error", err.Error())
				return Response{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			c.record(ctx, OutcomeReclaimed)

		default:
			return Response{}, fmt.Errorf("%w: record %s has unknown status %q", ErrStoreUnavailable, key, rec.Status)
		}
	}

	c.record(ctx, OutcomeRejectedInProgress)
	return Response{}, ErrInProgress
}

func (c *Coordinator) run(ctx context.Context, log *slog.Logger, key, owner string, req Request) (Response, error) {
	resp, opErr := c.op(ctx, req)
	if opErr != nil {
		if err := c.store.Delete(ctx, key, owner); err != nil {
			// The slot stays blocked until the in-progress TTL passes.
			log.Error("idempotency_release_failed", "error", err.Error())
		}
		log.Debug("idempotency_operation_failed", "error", opErr.Error())
		c.record(ctx, OutcomeFailed)
		return Response{}, opErr
	}

	// The side effect already happened: a failed completion must not turn
	// into an error that invites the client to execute it again.
	if err := c.store.Complete(ctx, key, owner, resp, c.cfg.completedTTL); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Warn("idempotency_complete_skipped", "reason", "slot expired before completion")
		} else {
			log.Error("idempotency_complete_failed", "error", err.Error())
		}
	}
	log.Debug("idempotency_executed")
	c.record(ctx, OutcomeExecuted)
	return resp, nil
}

func (c *Coordinator) record(ctx context.Context, outcome string) {
	if c.cfg.recorder != nil {
		c.cfg.recorder.RecordOutcome(ctx, outcome)
	}
}
