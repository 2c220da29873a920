package simpleaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	applog "github.com/tendant/simple-action/internal/log"
)

// maxStopAttempts bounds the refetch loop when a stop races other transitions
const maxStopAttempts = 3

// EngineConfig configures an Engine
type EngineConfig struct {
	Clock  Clock       // default: SystemClock
	Retry  RetryPolicy // default: DefaultRetryPolicy()
	Logger logrus.FieldLogger
}

// Engine is the entry point for collaborators: trigger ingestion, status
// callbacks, operator actions and read-only queries over the action log.
type Engine struct {
	store    Store
	expander *Expander
	resolver *Resolver
	clock    Clock
	log      logrus.FieldLogger
}

// NewEngine wires an engine over store and defs
func NewEngine(store Store, defs DefinitionSource, config EngineConfig) *Engine {
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = applog.GetLogger()
	}
	return &Engine{
		store:    store,
		expander: NewExpander(defs, store, config.Clock, config.Logger),
		resolver: NewResolver(store, config.Clock, config.Retry, config.Logger),
		clock:    config.Clock,
		log:      config.Logger,
	}
}

// Store returns the action log
func (e *Engine) Store() Store { return e.store }

// Resolver returns the engine's outcome resolver
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Clock returns the engine's clock
func (e *Engine) Clock() Clock { return e.clock }

// NewPoller builds a poller sharing this engine's store, clock and retry policy
func (e *Engine) NewPoller(dispatch DispatcherConfig, config PollerConfig) *Poller {
	if config.Clock == nil {
		config.Clock = e.clock
	}
	if config.Logger == nil {
		config.Logger = e.log
	}
	if dispatch.Logger == nil {
		dispatch.Logger = e.log
	}
	return NewPoller(e.store, NewDispatcher(e.store, config.Clock, dispatch), e.resolver, config)
}

// Expand ingests a trigger event (see Expander.Expand)
func (e *Engine) Expand(ctx context.Context, t Trigger) ([]*ActionAttempt, error) {
	return e.expander.Expand(ctx, t)
}

// StatusReport is a collaborator's asynchronous outcome for a dispatched attempt
type StatusReport struct {
	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	// AttemptCount echoes attempt_count from the callback body. When set, a report
	// for an earlier dispatch of the attempt is rejected with ErrConflict.
	AttemptCount *int `json:"attempt_count,omitempty"`
}

// ReportStatus applies a collaborator's status callback. It only acts on an
// attempt that is still dispatching; anything else returns ErrConflict so a
// reclaimed or already resolved attempt is never overwritten.
//
//	completed -> completed
//	failed    -> failed, no retry
//	pending   -> retryable failure, subject to the retry policy
//	stopped   -> stopped
func (e *Engine) ReportStatus(ctx context.Context, id string, report StatusReport) (*ActionAttempt, error) {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusDispatching {
		return nil, fmt.Errorf("attempt %s is %s, expected %s: %w", id, a.Status, StatusDispatching, ErrConflict)
	}
	if report.AttemptCount != nil && *report.AttemptCount != a.AttemptCount {
		return nil, fmt.Errorf("report for attempt_count %d, attempt %s is at %d: %w",
			*report.AttemptCount, id, a.AttemptCount, ErrConflict)
	}

	lastError := report.LastError
	if lastError == "" {
		lastError = "reported by callback"
	}
	switch report.Status {
	case StatusCompleted:
		return e.resolver.Resolve(ctx, a, "", nil)
	case StatusFailed:
		return e.resolver.Resolve(ctx, a, "", FatalDispatchError(0, errors.New(lastError)))
	case StatusPending:
		return e.resolver.Resolve(ctx, a, "", TransientDispatchError(0, errors.New(lastError)))
	case StatusStopped:
		seen := a.AttemptCount
		return e.store.UpdateStatus(ctx, id, StatusDispatching, StatusStopped, Fields{At: e.clock.Now(), ExpectCount: &seen})
	default:
		return nil, fmt.Errorf("status %q cannot be reported: %w", report.Status, ErrInvalidTrigger)
	}
}

// Stop cancels an attempt in any non-terminal state. A dispatch already in flight
// is not interrupted; its outcome is discarded by the compare-and-swap.
func (e *Engine) Stop(ctx context.Context, id string) (*ActionAttempt, error) {
	for i := 0; i < maxStopAttempts; i++ {
		a, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() {
			return nil, fmt.Errorf("attempt %s is already %s: %w", id, a.Status, ErrConflict)
		}
		stopped, err := e.store.UpdateStatus(ctx, id, a.Status, StatusStopped, Fields{At: e.clock.Now()})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.log.WithFields(logrus.Fields{"attempt_id": id, "from": a.Status}).Info("attempt stopped")
		return stopped, nil
	}
	return nil, fmt.Errorf("attempt %s kept changing while stopping: %w", id, ErrConflict)
}

// Retry puts a failed attempt back to pending for immediate dispatch (manual
// operator action). attempt_count is kept, so an attempt that exhausted its
// retries gets exactly one more dispatch.
func (e *Engine) Retry(ctx context.Context, id string) (*ActionAttempt, error) {
	now := e.clock.Now()
	a, err := e.store.UpdateStatus(ctx, id, StatusFailed, StatusPending, Fields{At: now, ScheduledAt: &now})
	if err != nil {
		return nil, err
	}
	e.log.WithField("attempt_id", id).Info("failed attempt requeued by operator")
	return a, nil
}

// Get returns one attempt
func (e *Engine) Get(ctx context.Context, id string) (*ActionAttempt, error) {
	return e.store.Get(ctx, id)
}

// ListByCorrelation returns every attempt tied to an entity
func (e *Engine) ListByCorrelation(ctx context.Context, kind, id string) ([]*ActionAttempt, error) {
	return e.store.ListByCorrelation(ctx, kind, id)
}

// ListByStatus returns attempts in a status, e.g. failed ones for alerting
func (e *Engine) ListByStatus(ctx context.Context, status Status, filter ListFilter) ([]*ActionAttempt, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, ErrInvalidTrigger)
	}
	return e.store.ListByStatus(ctx, status, filter)
}
