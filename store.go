package simpleaction

import (
	"context"
	"fmt"
	"time"
)

// ClaimRequest selects eligible pending attempts for one poll cycle
type ClaimRequest struct {
	Now   time.Time // attempts with scheduled_at <= Now are eligible
	Limit int       // batch size (default: 100)
	Owner string    // claim token written on every claimed row
}

// Fields carries the side effects of a status transition.
//
// The store derives the timestamp columns from the target status and At:
// claimed sets claimed_at and the claim token, dispatching sets started_at,
// terminal states set completed_at, and any non-leased state clears claimed_at
// and the claim token.
type Fields struct {
	At           time.Time  // transition time, from the caller's clock
	ExpectOwner  string     // if set, the CAS also requires this claim token
	ExpectCount  *int       // if set, the CAS also requires this attempt_count
	Owner        string     // claim token to write when moving into claimed
	ScheduledAt  *time.Time // new schedule time (retry)
	AttemptCount *int       // new attempt_count; must not decrease
	LastError    *string    // error to record; nil leaves last_error unchanged
}

// ListFilter narrows ListByStatus results
type ListFilter struct {
	WorkflowID string
	Before     time.Time // scheduled_at < Before, when non-zero
	Limit      int       // default: 100
}

// Store is the durable action log.
//
// UpdateStatus is a compare-and-swap keyed on the expected status: it fails with
// ErrConflict and changes nothing when the row's current status differs. Every
// engine mutation goes through it, so concurrent pollers never advance the same
// row twice and the engine needs no locks of its own.
type Store interface {
	// Insert adds pending attempts atomically: either all rows are written or none.
	// Returns ErrDuplicateActiveAttempt if a row would violate the one-active-attempt rule.
	Insert(ctx context.Context, attempts ...*ActionAttempt) error

	// ClaimBatch flips up to Limit eligible pending attempts to claimed, ordered by
	// scheduled_at then id. Rows lost to a concurrent poller are skipped.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]AttemptHandle, error)

	// ListExpiredClaims returns claimed or dispatching attempts whose claimed_at <= cutoff
	ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]*ActionAttempt, error)

	UpdateStatus(ctx context.Context, id string, expected, next Status, fields Fields) (*ActionAttempt, error)

	Get(ctx context.Context, id string) (*ActionAttempt, error)
	ListByCorrelation(ctx context.Context, kind, id string) ([]*ActionAttempt, error)
	ListByStatus(ctx context.Context, status Status, filter ListFilter) ([]*ActionAttempt, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

const defaultListLimit = 100

// checkGuards returns ErrConflict when the current row fails any CAS condition
func checkGuards(a *ActionAttempt, expected Status, f Fields) error {
	if a.Status != expected {
		return fmt.Errorf("attempt %s is %s, expected %s: %w", a.ID, a.Status, expected, ErrConflict)
	}
	if f.ExpectOwner != "" && a.ClaimToken != f.ExpectOwner {
		return fmt.Errorf("attempt %s claimed by another owner: %w", a.ID, ErrConflict)
	}
	if f.ExpectCount != nil && a.AttemptCount != *f.ExpectCount {
		return fmt.Errorf("attempt %s is at attempt_count %d, expected %d: %w", a.ID, a.AttemptCount, *f.ExpectCount, ErrConflict)
	}
	return nil
}

// applyTransition mutates a in place per the Fields contract. Shared by the stores
// so both derive the timestamp columns identically.
func applyTransition(a *ActionAttempt, next Status, f Fields) {
	at := f.At
	a.Status = next
	a.UpdatedAt = at
	switch {
	case next == StatusClaimed:
		a.ClaimedAt = &at
		a.ClaimToken = f.Owner
	case next == StatusDispatching:
		a.StartedAt = &at
	case next.Terminal():
		a.CompletedAt = &at
	}
	if !next.Leased() {
		a.ClaimedAt = nil
		a.ClaimToken = ""
	}
	if next == StatusPending {
		a.CompletedAt = nil
	}
	if f.ScheduledAt != nil {
		a.ScheduledAt = *f.ScheduledAt
	}
	if f.AttemptCount != nil && *f.AttemptCount > a.AttemptCount {
		a.AttemptCount = *f.AttemptCount
	}
	if f.LastError != nil {
		a.LastError = *f.LastError
	}
}
