package simpleaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex makes every method atomic,
// which gives UpdateStatus its compare-and-swap semantics.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*ActionAttempt
}

// NewMemoryStore creates an empty in-memory action log
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*ActionAttempt)}
}

type activeKey struct {
	workflowID, actionID, entityID string
}

func keyOf(a *ActionAttempt) activeKey {
	return activeKey{a.WorkflowID, a.ActionID, a.RelatedEntityID}
}

func (s *MemoryStore) Insert(ctx context.Context, attempts ...*ActionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[activeKey]bool)
	for _, row := range s.rows {
		if !row.Status.Terminal() {
			active[keyOf(row)] = true
		}
	}
	for _, a := range attempts {
		if _, exists := s.rows[a.ID]; exists {
			return fmt.Errorf("insert attempt %s: id already exists", a.ID)
		}
		k := keyOf(a)
		if active[k] {
			return fmt.Errorf("insert attempt for action %s of workflow %s: %w", a.ActionID, a.WorkflowID, ErrDuplicateActiveAttempt)
		}
		active[k] = true
	}
	for _, a := range attempts {
		s.rows[a.ID] = a.Clone()
	}
	return nil
}

func (s *MemoryStore) ClaimBatch(ctx context.Context, req ClaimRequest) ([]AttemptHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*ActionAttempt
	for _, row := range s.rows {
		if row.Status == StatusPending && !row.ScheduledAt.After(req.Now) {
			eligible = append(eligible, row)
		}
	}
	sortBySchedule(eligible)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	handles := make([]AttemptHandle, 0, len(eligible))
	for _, row := range eligible {
		applyTransition(row, StatusClaimed, Fields{At: req.Now, Owner: req.Owner})
		handles = append(handles, AttemptHandle{Attempt: row.Clone(), Token: req.Owner})
	}
	return handles, nil
}

func (s *MemoryStore) ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]*ActionAttempt, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ActionAttempt
	for _, row := range s.rows {
		if row.Status.Leased() && row.ClaimedAt != nil && !row.ClaimedAt.After(cutoff) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimedAt.Equal(*out[j].ClaimedAt) {
			return out[i].ClaimedAt.Before(*out[j].ClaimedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, expected, next Status, fields Fields) (*ActionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkGuards(row, expected, fields); err != nil {
		return nil, err
	}
	if !next.Terminal() {
		// Reopening must not collide with another active attempt for the same triple.
		for otherID, other := range s.rows {
			if otherID != id && !other.Status.Terminal() && keyOf(other) == keyOf(row) {
				return nil, fmt.Errorf("reopen attempt %s: %w", id, ErrDuplicateActiveAttempt)
			}
		}
	}
	applyTransition(row, next, fields)
	return row.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*ActionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryStore) ListByCorrelation(ctx context.Context, kind, id string) ([]*ActionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ActionAttempt
	for _, row := range s.rows {
		if row.RelatedEntityKind == kind && row.RelatedEntityID == id {
			out = append(out, row.Clone())
		}
	}
	sortBySchedule(out)
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, filter ListFilter) ([]*ActionAttempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ActionAttempt
	for _, row := range s.rows {
		if row.Status != status {
			continue
		}
		if filter.WorkflowID != "" && row.WorkflowID != filter.WorkflowID {
			continue
		}
		if !filter.Before.IsZero() && !row.ScheduledAt.Before(filter.Before) {
			continue
		}
		out = append(out, row.Clone())
	}
	sortBySchedule(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, row := range s.rows {
		if row.Status == status {
			n++
		}
	}
	return n, nil
}

func sortBySchedule(rows []*ActionAttempt) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ScheduledAt.Equal(rows[j].ScheduledAt) {
			return rows[i].ScheduledAt.Before(rows[j].ScheduledAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
