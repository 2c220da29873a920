package simpleaction

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an action attempt
type Status string

const (
	StatusPending     Status = "pending"
	StatusClaimed     Status = "claimed"
	StatusDispatching Status = "dispatching"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
)

// Terminal reports whether no further transition is expected from s
// (an operator retry can still move failed back to pending).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Leased reports whether s carries a claim (claimed_at is set).
func (s Status) Leased() bool {
	return s == StatusClaimed || s == StatusDispatching
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusDispatching, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Phase positions a workflow's execution time relative to its trigger event
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
	PhaseNow    Phase = "now"
)

// WorkflowDefinition is an immutable workflow template. The engine only reads it.
type WorkflowDefinition struct {
	ID          string
	TriggerName string        // e.g. "order.created"
	Phase       Phase         // before | after | now
	Interval    time.Duration // offset from the event time for before/after
	Active      bool
	Paused      bool
	Actions     []ActionDefinition
}

// Runnable reports whether new attempts may be expanded from the workflow
func (w WorkflowDefinition) Runnable() bool {
	return w.Active && !w.Paused
}

// ActionDefinition is one step of a workflow
type ActionDefinition struct {
	ID              string
	WorkflowID      string
	Order           int             // equal values may run concurrently; not enforced here
	PayloadTemplate json.RawMessage // JSON, merged with attempt meta on dispatch
	Condition       string          // opaque, carried for collaborators
	Endpoint        string          // callback URL
	Delay           time.Duration   // extra delay on top of the workflow's base time
}

// Correlation identifies the business entity an attempt is tied to
type Correlation struct {
	Kind string // e.g. "order"
	ID   string // e.g. "ord_123"
}

// ActionAttempt is one scheduled execution of a workflow action (a row of the action log)
type ActionAttempt struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	ActionID   string          `json:"action_id"`
	Order      int             `json:"order"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"` // payload template captured at expansion

	RelatedEntityKind string          `json:"related_entity_kind"`
	RelatedEntityID   string          `json:"related_entity_id"`
	Meta              json.RawMessage `json:"meta,omitempty"` // passed through to the callback

	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ClaimToken  string     `json:"-"` // owner of the current claim, empty unless leased

	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Correlation returns the attempt's correlation pair
func (a *ActionAttempt) Correlation() Correlation {
	return Correlation{Kind: a.RelatedEntityKind, ID: a.RelatedEntityID}
}

// Clone returns a deep copy so callers never share a store's row
func (a *ActionAttempt) Clone() *ActionAttempt {
	if a == nil {
		return nil
	}
	c := *a
	c.Payload = cloneRaw(a.Payload)
	c.Meta = cloneRaw(a.Meta)
	c.ClaimedAt = cloneTime(a.ClaimedAt)
	c.StartedAt = cloneTime(a.StartedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	return &c
}

// AttemptHandle is a claimed attempt plus the token proving ownership of the claim
type AttemptHandle struct {
	Attempt *ActionAttempt
	Token   string
}

// Trigger is an event that expands workflows into pending attempts.
// Exactly one of WorkflowID or TriggerName is required.
type Trigger struct {
	WorkflowID  string
	TriggerName string
	Correlation Correlation
	Meta        json.RawMessage
	EventTime   time.Time // default: now
}

// Clock supplies the current time. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
