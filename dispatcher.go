package simpleaction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	applog "github.com/tendant/simple-action/internal/log"
)

// DefaultDispatchTimeout bounds one callback invocation
const DefaultDispatchTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is copied into last_error
const maxErrorBody = 512

// CallbackRequest is the JSON body POSTed to an action endpoint
type CallbackRequest struct {
	AttemptID         string          `json:"attempt_id"`
	WorkflowID        string          `json:"workflow_id"`
	ActionID          string          `json:"action_id"`
	AttemptCount      int             `json:"attempt_count"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RelatedEntityKind string          `json:"related_entity_kind"`
	RelatedEntityID   string          `json:"related_entity_id"`
	Meta              json.RawMessage `json:"meta,omitempty"`
}

// DispatcherConfig configures the callback dispatcher
type DispatcherConfig struct {
	Timeout    time.Duration // per call (default: 30s)
	RateLimit  float64       // calls per second across the process, 0 = unlimited
	RateBurst  int           // default: 1
	HTTPClient *http.Client  // default: a client with Timeout that does not follow redirects
	UserAgent  string        // default: "simple-action"
	Logger     logrus.FieldLogger
}

// Dispatcher moves a claimed attempt to dispatching and invokes its endpoint exactly once
type Dispatcher struct {
	store     Store
	clock     Clock
	client    *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	userAgent string
	log       logrus.FieldLogger
}

// NewDispatcher creates a dispatcher backed by store
func NewDispatcher(store Store, clock Clock, config DispatcherConfig) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = DefaultDispatchTimeout
	}
	if config.HTTPClient == nil {
		// a redirect would be a second call; the 3xx is classified instead
		config.HTTPClient = &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if config.UserAgent == "" {
		config.UserAgent = "simple-action"
	}
	if config.Logger == nil {
		config.Logger = applog.GetLogger()
	}
	if clock == nil {
		clock = SystemClock{}
	}

	d := &Dispatcher{
		store:     store,
		clock:     clock,
		client:    config.HTTPClient,
		timeout:   config.Timeout,
		userAgent: config.UserAgent,
		log:       config.Logger,
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return d
}

// Begin transitions a claimed attempt to dispatching. ErrConflict means the claim
// was lost (lease reclaimed or attempt stopped) and the attempt must not be dispatched.
func (d *Dispatcher) Begin(ctx context.Context, h AttemptHandle) (*ActionAttempt, error) {
	return d.store.UpdateStatus(ctx, h.Attempt.ID, StatusClaimed, StatusDispatching, Fields{
		At:          d.clock.Now(),
		ExpectOwner: h.Token,
	})
}

// Acquire blocks until the rate limit admits one more callback. It is called
// before Begin so an attempt never sits in dispatching while waiting.
func (d *Dispatcher) Acquire(ctx context.Context) error {
	if d.limiter == nil {
		return ctx.Err()
	}
	return d.limiter.Wait(ctx)
}

// Unclaim hands a claimed attempt that was never dispatched back to pending.
// attempt_count and scheduled_at are unchanged.
func (d *Dispatcher) Unclaim(ctx context.Context, h AttemptHandle) (*ActionAttempt, error) {
	return d.store.UpdateStatus(ctx, h.Attempt.ID, StatusClaimed, StatusPending, Fields{
		At:          d.clock.Now(),
		ExpectOwner: h.Token,
	})
}

// Invoke performs the callback for an attempt already in dispatching.
// It returns nil on 2xx and a *DispatchError otherwise; it never retries.
func (d *Dispatcher) Invoke(ctx context.Context, a *ActionAttempt) error {
	body, err := BuildCallbackBody(a)
	if err != nil {
		return FatalDispatchError(0, err)
	}
	if _, err := url.ParseRequestURI(a.Endpoint); err != nil {
		return FatalDispatchError(0, fmt.Errorf("invalid endpoint %q: %w", a.Endpoint, err))
	}

	d.log.WithFields(logrus.Fields{
		"attempt_id":    a.ID,
		"action_id":     a.ActionID,
		"attempt_count": a.AttemptCount,
	}).Debug("invoking action endpoint")

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return FatalDispatchError(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", a.ID, a.AttemptCount))

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TransientDispatchError(0, fmt.Errorf("callback timed out after %s: %w", d.timeout, err))
		}
		return TransientDispatchError(0, err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

func classifyResponse(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("callback returned %s", resp.Status)
	if len(bytes.TrimSpace(snippet)) > 0 {
		err = fmt.Errorf("callback returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return TransientDispatchError(code, err)
	case code >= 400:
		return FatalDispatchError(code, err)
	default:
		// 1xx/3xx are not a valid callback answer; the endpoint may be mid-deploy.
		return TransientDispatchError(code, err)
	}
}

// BuildCallbackBody composes the callback JSON for an attempt. When both the payload
// template and meta are JSON objects, meta keys are merged over the template.
func BuildCallbackBody(a *ActionAttempt) ([]byte, error) {
	payload, err := mergePayload(a.Payload, a.Meta)
	if err != nil {
		return nil, err
	}
	return json.Marshal(CallbackRequest{
		AttemptID:         a.ID,
		WorkflowID:        a.WorkflowID,
		ActionID:          a.ActionID,
		AttemptCount:      a.AttemptCount,
		Payload:           payload,
		RelatedEntityKind: a.RelatedEntityKind,
		RelatedEntityID:   a.RelatedEntityID,
		Meta:              a.Meta,
	})
}

func mergePayload(template, meta json.RawMessage) (json.RawMessage, error) {
	if len(template) > 0 && !json.Valid(template) {
		return nil, errors.New("malformed payload template")
	}
	if len(meta) > 0 && !json.Valid(meta) {
		return nil, errors.New("malformed meta")
	}
	if len(meta) == 0 {
		return template, nil
	}

	var base, extra map[string]json.RawMessage
	if len(template) == 0 {
		base = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(template, &base); err != nil {
		// not an object: nothing to merge into
		return template, nil
	}
	if err := json.Unmarshal(meta, &extra); err != nil {
		return template, nil
	}
	if base == nil {
		base = map[string]json.RawMessage{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return json.Marshal(base)
}
