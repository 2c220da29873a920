package simpleaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	applog "github.com/tendant/simple-action/internal/log"
)

// Expander materializes pending attempts from a trigger event
type Expander struct {
	defs  DefinitionSource
	store Store
	clock Clock
	log   logrus.FieldLogger
}

// NewExpander creates an expander reading definitions from defs
func NewExpander(defs DefinitionSource, store Store, clock Clock, logger logrus.FieldLogger) *Expander {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = applog.GetLogger()
	}
	return &Expander{defs: defs, store: store, clock: clock, log: logger}
}

// ScheduleBase returns the execution time of a workflow triggered at eventTime:
// now runs at the event time, after adds the interval, before subtracts it.
func ScheduleBase(phase Phase, interval time.Duration, eventTime time.Time) time.Time {
	switch phase {
	case PhaseAfter:
		return eventTime.Add(interval)
	case PhaseBefore:
		return eventTime.Add(-interval)
	default:
		return eventTime
	}
}

// Expand inserts one pending attempt per action of every workflow the trigger
// resolves to. Nothing is inserted when any check fails.
func (e *Expander) Expand(ctx context.Context, t Trigger) ([]*ActionAttempt, error) {
	if err := validateTrigger(t); err != nil {
		return nil, err
	}
	workflows, err := e.resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	eventTime := t.EventTime
	if eventTime.IsZero() {
		eventTime = now
	}

	existing, err := e.store.ListByCorrelation(ctx, t.Correlation.Kind, t.Correlation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active attempts: %w", err)
	}
	active := make(map[[2]string]bool)
	for _, a := range existing {
		if !a.Status.Terminal() {
			active[[2]string{a.WorkflowID, a.ActionID}] = true
		}
	}

	var attempts []*ActionAttempt
	for _, w := range workflows {
		base := ScheduleBase(w.Phase, w.Interval, eventTime)
		for _, def := range w.Actions {
			if active[[2]string{w.ID, def.ID}] {
				return nil, fmt.Errorf("workflow %s action %s for %s/%s: %w",
					w.ID, def.ID, t.Correlation.Kind, t.Correlation.ID, ErrDuplicateActiveAttempt)
			}
			attempts = append(attempts, &ActionAttempt{
				ID:                uuid.NewString(),
				WorkflowID:        w.ID,
				ActionID:          def.ID,
				Order:             def.Order,
				Endpoint:          def.Endpoint,
				Payload:           cloneRaw(def.PayloadTemplate),
				RelatedEntityKind: t.Correlation.Kind,
				RelatedEntityID:   t.Correlation.ID,
				Meta:              cloneRaw(t.Meta),
				Status:            StatusPending,
				ScheduledAt:       base.Add(def.Delay),
				CreatedAt:         now,
				UpdatedAt:         now,
			})
		}
	}

	if err := e.store.Insert(ctx, attempts...); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"trigger":             t.TriggerName,
		"workflow_id":         t.WorkflowID,
		"related_entity_kind": t.Correlation.Kind,
		"related_entity_id":   t.Correlation.ID,
		"attempts":            len(attempts),
	}).Info("expanded trigger")
	return attempts, nil
}

// resolve finds the runnable workflows for a trigger
func (e *Expander) resolve(ctx context.Context, t Trigger) ([]WorkflowDefinition, error) {
	if t.WorkflowID != "" {
		w, err := e.defs.GetWorkflow(ctx, t.WorkflowID)
		if err != nil {
			return nil, err
		}
		if !w.Runnable() {
			return nil, fmt.Errorf("workflow %s: %w", w.ID, ErrInactiveWorkflow)
		}
		return []WorkflowDefinition{w}, nil
	}

	all, err := e.defs.ListWorkflowsByTrigger(ctx, t.TriggerName)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("trigger %q: %w", t.TriggerName, ErrWorkflowNotFound)
	}
	var runnable []WorkflowDefinition
	for _, w := range all {
		if w.Runnable() {
			runnable = append(runnable, w)
		}
	}
	if len(runnable) == 0 {
		return nil, fmt.Errorf("trigger %q: %w", t.TriggerName, ErrInactiveWorkflow)
	}
	return runnable, nil
}

func validateTrigger(t Trigger) error {
	if (t.WorkflowID == "") == (t.TriggerName == "") {
		return fmt.Errorf("exactly one of workflow id or trigger name is required: %w", ErrInvalidTrigger)
	}
	if t.Correlation.Kind == "" || t.Correlation.ID == "" {
		return fmt.Errorf("correlation kind and id are required: %w", ErrInvalidTrigger)
	}
	if len(t.Meta) > 0 && !json.Valid(t.Meta) {
		return fmt.Errorf("meta is not valid JSON: %w", ErrInvalidTrigger)
	}
	return nil
}
