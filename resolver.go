package simpleaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	applog "github.com/tendant/simple-action/internal/log"
)

// errLeaseExpired is recorded on attempts whose poller vanished mid-dispatch
var errLeaseExpired = errors.New("lease expired before the attempt was resolved")

// Resolver drives an attempt out of dispatching according to the dispatch outcome.
//
//	dispatching + success                     -> completed
//	dispatching + fatal failure               -> failed
//	dispatching + retryable, count < max      -> pending, count+1, scheduled_at = now + backoff(count)
//	dispatching + retryable, count >= max     -> failed (retry budget exceeded)
type Resolver struct {
	store  Store
	clock  Clock
	policy RetryPolicy
	log    logrus.FieldLogger
}

// NewResolver creates a resolver. A zero policy falls back to DefaultRetryPolicy.
func NewResolver(store Store, clock Clock, policy RetryPolicy, logger logrus.FieldLogger) *Resolver {
	if policy.MaxRetries == 0 && policy.Backoff == (Backoff{}) {
		policy = DefaultRetryPolicy()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = applog.GetLogger()
	}
	return &Resolver{store: store, clock: clock, policy: policy, log: logger}
}

// Policy returns the retry policy in effect
func (r *Resolver) Policy() RetryPolicy {
	return r.policy
}

// Resolve records the outcome of a dispatch. owner guards the transition with the
// claim token; pass "" when the caller does not hold a claim. The transition also
// requires the attempt_count of a, so an outcome for an earlier dispatch of the
// same attempt never resolves a later one.
// ErrConflict means a status callback or a reclaim already moved the attempt on.
func (r *Resolver) Resolve(ctx context.Context, a *ActionAttempt, owner string, dispatchErr error) (*ActionAttempt, error) {
	next, fields := r.plan(a, dispatchErr)
	fields.ExpectOwner = owner
	seen := a.AttemptCount
	fields.ExpectCount = &seen

	updated, err := r.store.UpdateStatus(ctx, a.ID, StatusDispatching, next, fields)
	if err != nil {
		return nil, err
	}

	entry := r.log.WithFields(logrus.Fields{
		"attempt_id":    updated.ID,
		"workflow_id":   updated.WorkflowID,
		"status":        updated.Status,
		"attempt_count": updated.AttemptCount,
	})
	switch updated.Status {
	case StatusCompleted:
		entry.Info("attempt completed")
	case StatusPending:
		entry.WithField("scheduled_at", updated.ScheduledAt).Warnf("attempt failed, retry scheduled: %v", dispatchErr)
	case StatusFailed:
		entry.Errorf("attempt failed: %s", updated.LastError)
	}
	return updated, nil
}

// plan computes the target status and side effects for an outcome. It is pure
// apart from reading the clock.
func (r *Resolver) plan(a *ActionAttempt, dispatchErr error) (Status, Fields) {
	now := r.clock.Now()
	fields := Fields{At: now}
	if dispatchErr == nil {
		return StatusCompleted, fields
	}

	msg := dispatchErr.Error()
	if !IsRetryable(dispatchErr) {
		fields.LastError = &msg
		return StatusFailed, fields
	}
	if !r.policy.CanRetry(a.AttemptCount) {
		msg = fmt.Sprintf("%v: %s", ErrRetryBudgetExceeded, msg)
		fields.LastError = &msg
		return StatusFailed, fields
	}

	count := a.AttemptCount + 1
	at := now.Add(r.policy.Backoff.Delay(a.AttemptCount))
	fields.AttemptCount = &count
	fields.ScheduledAt = &at
	fields.LastError = &msg
	return StatusPending, fields
}

// Release returns an orphaned claim to pending so any poller can claim it again.
// A dispatching orphan may already have reached its endpoint, so it consumes a
// retry; with no retries left it fails instead.
func (r *Resolver) Release(ctx context.Context, a *ActionAttempt) (*ActionAttempt, error) {
	now := r.clock.Now()
	fields := Fields{At: now, ExpectOwner: a.ClaimToken}
	next := StatusPending

	if a.Status == StatusDispatching {
		msg := errLeaseExpired.Error()
		if r.policy.CanRetry(a.AttemptCount) {
			count := a.AttemptCount + 1
			fields.AttemptCount = &count
			fields.ScheduledAt = &now
		} else {
			msg = fmt.Sprintf("%v: %s", ErrRetryBudgetExceeded, msg)
			next = StatusFailed
		}
		fields.LastError = &msg
	}
	return r.store.UpdateStatus(ctx, a.ID, a.Status, next, fields)
}
