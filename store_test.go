package simpleaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract; every implementation must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		store := newStore(t)
		a := pendingAttempt("a1", "wf", "act", "ord_1", t0)
		a.Payload = []byte(`{"template":"welcome"}`)
		a.Meta = []byte(`{"email":"x@example.com"}`)
		require.NoError(t, store.Insert(ctx, a))

		got, err := store.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.True(t, got.ScheduledAt.Equal(t0))
		assert.JSONEq(t, `{"template":"welcome"}`, string(got.Payload))
		assert.JSONEq(t, `{"email":"x@example.com"}`, string(got.Meta))
		assert.Nil(t, got.ClaimedAt)
		assert.Equal(t, 0, got.AttemptCount)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateActiveAttempt", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))

		err := store.Insert(ctx,
			pendingAttempt("a2", "wf", "other", "ord_1", t0),
			pendingAttempt("a3", "wf", "act", "ord_1", t0),
		)
		assert.ErrorIs(t, err, ErrDuplicateActiveAttempt)
		// all or nothing
		_, err = store.Get(ctx, "a2")
		assert.ErrorIs(t, err, ErrNotFound)

		// a terminal attempt frees the slot
		_, err = store.UpdateStatus(ctx, "a1", StatusPending, StatusStopped, Fields{At: t0})
		require.NoError(t, err)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a3", "wf", "act", "ord_1", t0)))
	})

	t.Run("ClaimOrderAndEligibility", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx,
			pendingAttempt("c", "wf", "a3", "ord_1", t0.Add(-time.Minute)),
			pendingAttempt("b", "wf", "a2", "ord_1", t0.Add(-time.Minute)),
			pendingAttempt("a", "wf", "a1", "ord_1", t0.Add(-time.Hour)),
			pendingAttempt("future", "wf", "a4", "ord_1", t0.Add(time.Second)),
		))

		handles, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: 2, Owner: "w1"})
		require.NoError(t, err)
		require.Len(t, handles, 2)
		assert.Equal(t, "a", handles[0].Attempt.ID)
		assert.Equal(t, "b", handles[1].Attempt.ID)
		for _, h := range handles {
			assert.Equal(t, "w1", h.Token)
			assert.Equal(t, StatusClaimed, h.Attempt.Status)
			require.NotNil(t, h.Attempt.ClaimedAt)
			assert.True(t, h.Attempt.ClaimedAt.Equal(t0))
		}

		handles, err = store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: 10, Owner: "w2"})
		require.NoError(t, err)
		require.Len(t, handles, 1)
		assert.Equal(t, "c", handles[0].Attempt.ID)

		n, err := store.CountByStatus(ctx, StatusClaimed)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = store.CountByStatus(ctx, StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))
		a := claimAndBegin(t, store, t0, "w1")
		require.NotNil(t, a.StartedAt)

		done, err := store.UpdateStatus(ctx, "a1", StatusDispatching, StatusCompleted, Fields{At: t0.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Nil(t, done.ClaimedAt)
		require.NotNil(t, done.CompletedAt)
		assert.True(t, done.CompletedAt.Equal(t0.Add(time.Second)))

		// the same transition twice is a conflict and changes nothing
		_, err = store.UpdateStatus(ctx, "a1", StatusDispatching, StatusFailed, Fields{At: t0.Add(2 * time.Second)})
		assert.ErrorIs(t, err, ErrConflict)
		got, err := store.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.True(t, got.CompletedAt.Equal(t0.Add(time.Second)))

		_, err = store.UpdateStatus(ctx, "missing", StatusPending, StatusClaimed, Fields{At: t0})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("OwnerGuard", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))
		handles, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: 1, Owner: "w1"})
		require.NoError(t, err)
		require.Len(t, handles, 1)

		_, err = store.UpdateStatus(ctx, "a1", StatusClaimed, StatusDispatching, Fields{At: t0, ExpectOwner: "w2"})
		assert.ErrorIs(t, err, ErrConflict)
		_, err = store.UpdateStatus(ctx, "a1", StatusClaimed, StatusDispatching, Fields{At: t0, ExpectOwner: "w1"})
		assert.NoError(t, err)
	})

	t.Run("AttemptCountGuard", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))
		claimAndBegin(t, store, t0, "w1")

		stale, current := 1, 0
		_, err := store.UpdateStatus(ctx, "a1", StatusDispatching, StatusCompleted, Fields{At: t0, ExpectCount: &stale})
		assert.ErrorIs(t, err, ErrConflict)
		a, err := store.UpdateStatus(ctx, "a1", StatusDispatching, StatusCompleted, Fields{At: t0, ExpectCount: &current})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, a.Status)
	})

	t.Run("ConcurrentClaims", func(t *testing.T) {
		store := newStore(t)
		const rows, workers = 20, 4
		for i := 0; i < rows; i++ {
			id := fmt.Sprintf("a%02d", i)
			require.NoError(t, store.Insert(ctx, pendingAttempt(id, "wf", "act", "ord_"+id, t0)))
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed = map[string]string{}
			errs    []error
		)
		start := make(chan struct{})
		for w := 0; w < workers; w++ {
			owner := fmt.Sprintf("w%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				handles, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: rows, Owner: owner})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				for _, h := range handles {
					if prev, dup := claimed[h.Attempt.ID]; dup {
						errs = append(errs, fmt.Errorf("%s claimed by %s and %s", h.Attempt.ID, prev, owner))
					}
					claimed[h.Attempt.ID] = owner
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Empty(t, errs)
		assert.Len(t, claimed, rows)
		for id, owner := range claimed {
			got, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusClaimed, got.Status)
			assert.Equal(t, owner, got.ClaimToken)
		}
	})

	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))

		const racers = 8
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := store.UpdateStatus(ctx, "a1", StatusPending, StatusStopped, Fields{At: t0})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrConflict):
					conflicts.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(racers-1), conflicts.Load())
	})

	t.Run("RetryTransitionKeepsCountMonotonic", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))
		claimAndBegin(t, store, t0, "w1")

		count := 1
		next := t0.Add(time.Minute)
		msg := "503"
		a, err := store.UpdateStatus(ctx, "a1", StatusDispatching, StatusPending, Fields{
			At: t0, ScheduledAt: &next, AttemptCount: &count, LastError: &msg,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, a.Status)
		assert.Equal(t, 1, a.AttemptCount)
		assert.Equal(t, "503", a.LastError)
		assert.Nil(t, a.ClaimedAt)
		assert.Empty(t, a.ClaimToken)
		assert.True(t, a.ScheduledAt.Equal(next))

		// not yet due
		handles, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: 10, Owner: "w1"})
		require.NoError(t, err)
		assert.Empty(t, handles)

		lower := 0
		a, err = store.UpdateStatus(ctx, "a1", StatusPending, StatusStopped, Fields{At: t0, AttemptCount: &lower})
		require.NoError(t, err)
		assert.Equal(t, 1, a.AttemptCount)
	})

	t.Run("ExpiredClaims", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx,
			pendingAttempt("first", "wf", "a1", "ord_1", t0),
			pendingAttempt("second", "wf", "a2", "ord_1", t0),
		))
		claimAndBegin(t, store, t0, "w1")
		_, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0.Add(4 * time.Minute), Limit: 1, Owner: "w2"})
		require.NoError(t, err)

		expired, err := store.ListExpiredClaims(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "first", expired[0].ID)
		assert.Equal(t, StatusDispatching, expired[0].Status)
		assert.Equal(t, "w1", expired[0].ClaimToken)

		expired, err = store.ListExpiredClaims(ctx, t0.Add(10*time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, expired, 2)
	})

	t.Run("Queries", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Insert(ctx,
			pendingAttempt("a1", "wf1", "x", "ord_1", t0.Add(time.Hour)),
			pendingAttempt("a2", "wf2", "x", "ord_1", t0),
			pendingAttempt("a3", "wf1", "x", "ord_2", t0),
		))

		byEntity, err := store.ListByCorrelation(ctx, "order", "ord_1")
		require.NoError(t, err)
		require.Len(t, byEntity, 2)
		assert.Equal(t, "a2", byEntity[0].ID)
		assert.Equal(t, "a1", byEntity[1].ID)

		none, err := store.ListByCorrelation(ctx, "customer", "ord_1")
		require.NoError(t, err)
		assert.Empty(t, none)

		wf1, err := store.ListByStatus(ctx, StatusPending, ListFilter{WorkflowID: "wf1"})
		require.NoError(t, err)
		require.Len(t, wf1, 2)
		assert.Equal(t, "a3", wf1[0].ID)

		due, err := store.ListByStatus(ctx, StatusPending, ListFilter{Before: t0.Add(time.Minute), Limit: 1})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "a2", due[0].ID)
	})
}
