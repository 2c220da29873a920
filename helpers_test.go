package simpleaction

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func pendingAttempt(id, workflowID, actionID, entityID string, at time.Time) *ActionAttempt {
	return &ActionAttempt{
		ID:                id,
		WorkflowID:        workflowID,
		ActionID:          actionID,
		Endpoint:          "http://localhost/callback",
		RelatedEntityKind: "order",
		RelatedEntityID:   entityID,
		Status:            StatusPending,
		ScheduledAt:       at,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

// claimAndBegin drives one pending attempt to dispatching the way a poller does
func claimAndBegin(t *testing.T, store Store, now time.Time, owner string) *ActionAttempt {
	t.Helper()
	handles, err := store.ClaimBatch(context.Background(), ClaimRequest{Now: now, Limit: 1, Owner: owner})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	a, err := store.UpdateStatus(context.Background(), handles[0].Attempt.ID, StatusClaimed, StatusDispatching,
		Fields{At: now, ExpectOwner: owner})
	require.NoError(t, err)
	return a
}
