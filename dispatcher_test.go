package simpleaction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		code      int
		wantErr   bool
		retryable bool
	}{
		{http.StatusOK, false, false},
		{http.StatusNoContent, false, false},
		{http.StatusTooManyRequests, true, true},
		{http.StatusInternalServerError, true, true},
		{http.StatusServiceUnavailable, true, true},
		{http.StatusBadRequest, true, false},
		{http.StatusNotFound, true, false},
		{http.StatusUnprocessableEntity, true, false},
		{http.StatusFound, true, true},
		{http.StatusTemporaryRedirect, true, true},
		{http.StatusPermanentRedirect, true, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})
			a := pendingAttempt("a1", "wf", "act", "ord_1", t0)
			a.Endpoint = srv.URL
			err := d.Invoke(context.Background(), a)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			var de *DispatchError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.code, de.StatusCode)
		})
	}
}

func TestDispatcherSendsCallbackBody(t *testing.T) {
	var (
		got     CallbackRequest
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})
	a := pendingAttempt("a1", "welcome", "send_email", "ord_123", t0)
	a.Endpoint = srv.URL + "/hooks/email"
	a.Payload = []byte(`{"template":"welcome","lang":"en"}`)
	a.Meta = []byte(`{"lang":"fr","email":"c@example.com"}`)
	a.AttemptCount = 2

	require.NoError(t, d.Invoke(context.Background(), a))
	assert.Equal(t, "a1", got.AttemptID)
	assert.Equal(t, "welcome", got.WorkflowID)
	assert.Equal(t, "send_email", got.ActionID)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "order", got.RelatedEntityKind)
	assert.Equal(t, "ord_123", got.RelatedEntityID)
	assert.JSONEq(t, `{"template":"welcome","lang":"fr","email":"c@example.com"}`, string(got.Payload))
	assert.JSONEq(t, `{"lang":"fr","email":"c@example.com"}`, string(got.Meta))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "a1:2", headers.Get("Idempotency-Key"))
}

func TestDispatcherTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{
		Timeout: 50 * time.Millisecond,
		Logger:  quietLogger(),
	})
	a := pendingAttempt("a1", "wf", "act", "ord_1", t0)
	a.Endpoint = srv.URL

	err := d.Invoke(context.Background(), a)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestDispatcherRejectsBadInput(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})

	a := pendingAttempt("a1", "wf", "act", "ord_1", t0)
	a.Endpoint = "not a url"
	err := d.Invoke(context.Background(), a)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	b := pendingAttempt("a2", "wf", "act", "ord_1", t0)
	b.Payload = []byte(`{"broken":`)
	err = d.Invoke(context.Background(), b)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestDispatcherConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})
	a := pendingAttempt("a1", "wf", "act", "ord_1", t0)
	a.Endpoint = url
	err := d.Invoke(context.Background(), a)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestDispatcherBeginRequiresClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, pendingAttempt("a1", "wf", "act", "ord_1", t0)))
	d := NewDispatcher(store, newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})

	handles, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: 1, Owner: "w1"})
	require.NoError(t, err)
	require.Len(t, handles, 1)

	stale := AttemptHandle{Attempt: handles[0].Attempt, Token: "w2"}
	_, err = d.Begin(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict)

	a, err := d.Begin(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, StatusDispatching, a.Status)
	require.NotNil(t, a.StartedAt)

	// a second Begin on the same claim must not dispatch twice
	_, err = d.Begin(ctx, handles[0])
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDispatcherDoesNotFollowRedirects(t *testing.T) {
	var hook, other int32
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hook, 1)
		http.Redirect(w, r, "/other", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/other", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&other, 1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})
	a := pendingAttempt("a1", "wf", "act", "ord_1", t0)
	a.Endpoint = srv.URL + "/hook"

	err := d.Invoke(context.Background(), a)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusTemporaryRedirect, de.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hook))
	assert.Equal(t, int32(0), atomic.LoadInt32(&other))
}

func TestDispatcherRateLimit(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{
		RateLimit: 1,
		RateBurst: 1,
		Logger:    quietLogger(),
	})
	require.NoError(t, d.Acquire(context.Background()))

	// the bucket is empty; the wait gives up with the caller's context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Acquire(ctx))

	unlimited := NewDispatcher(NewMemoryStore(), newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})
	assert.NoError(t, unlimited.Acquire(context.Background()))
	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, unlimited.Acquire(cancelled), context.Canceled)
}

func TestDispatcherUnclaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := t0.Add(-time.Minute)
	a := pendingAttempt("a1", "wf", "act", "ord_1", at)
	a.AttemptCount = 2
	require.NoError(t, store.Insert(ctx, a))
	d := NewDispatcher(store, newFakeClock(t0), DispatcherConfig{Logger: quietLogger()})

	handles, err := store.ClaimBatch(ctx, ClaimRequest{Now: t0, Limit: 1, Owner: "w1"})
	require.NoError(t, err)
	require.Len(t, handles, 1)

	_, err = d.Unclaim(ctx, AttemptHandle{Attempt: handles[0].Attempt, Token: "w2"})
	assert.ErrorIs(t, err, ErrConflict)

	back, err := d.Unclaim(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, back.Status)
	assert.Equal(t, 2, back.AttemptCount)
	assert.True(t, back.ScheduledAt.Equal(at))
	assert.Nil(t, back.ClaimedAt)
	assert.Empty(t, back.ClaimToken)
}

func TestMergePayload(t *testing.T) {
	out, err := mergePayload([]byte(`{"a":1}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, err = mergePayload(nil, []byte(`{"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(out))

	// non-object templates are passed through untouched
	out, err = mergePayload([]byte(`["x"]`), []byte(`{"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `["x"]`, string(out))

	_, err = mergePayload([]byte(`{`), nil)
	assert.Error(t, err)
}
