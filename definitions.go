package simpleaction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

// DefinitionSource resolves workflow definitions. It is owned by the
// configuration store; the engine only reads from it.
type DefinitionSource interface {
	GetWorkflow(ctx context.Context, id string) (WorkflowDefinition, error)
	ListWorkflowsByTrigger(ctx context.Context, triggerName string) ([]WorkflowDefinition, error)
}

// StaticDefinitions is an in-memory DefinitionSource, typically loaded from YAML
type StaticDefinitions struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowDefinition
}

// NewStaticDefinitions validates and indexes the given workflows
func NewStaticDefinitions(workflows ...WorkflowDefinition) (*StaticDefinitions, error) {
	d := &StaticDefinitions{workflows: make(map[string]WorkflowDefinition)}
	for _, w := range workflows {
		if err := d.Put(w); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Put adds or replaces a workflow definition
func (d *StaticDefinitions) Put(w WorkflowDefinition) error {
	if err := ValidateWorkflow(w); err != nil {
		return err
	}
	for i := range w.Actions {
		w.Actions[i].WorkflowID = w.ID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workflows[w.ID] = w
	return nil
}

func (d *StaticDefinitions) GetWorkflow(ctx context.Context, id string) (WorkflowDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workflows[id]
	if !ok {
		return WorkflowDefinition{}, fmt.Errorf("workflow %q: %w", id, ErrWorkflowNotFound)
	}
	return w, nil
}

func (d *StaticDefinitions) ListWorkflowsByTrigger(ctx context.Context, triggerName string) ([]WorkflowDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []WorkflowDefinition
	for _, w := range d.workflows {
		if w.TriggerName == triggerName {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ValidateWorkflow checks a definition before it is accepted
func ValidateWorkflow(w WorkflowDefinition) error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	switch w.Phase {
	case PhaseBefore, PhaseAfter, PhaseNow:
	default:
		return fmt.Errorf("workflow %s: invalid phase %q", w.ID, w.Phase)
	}
	if w.Interval < 0 {
		return fmt.Errorf("workflow %s: interval must not be negative", w.ID)
	}
	seen := make(map[string]bool, len(w.Actions))
	for _, a := range w.Actions {
		if a.ID == "" {
			return fmt.Errorf("workflow %s: action id is required", w.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("workflow %s: duplicate action id %q", w.ID, a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return fmt.Errorf("workflow %s: action %s has no endpoint", w.ID, a.ID)
		}
		if a.Delay < 0 {
			return fmt.Errorf("workflow %s: action %s delay must not be negative", w.ID, a.ID)
		}
		if len(a.PayloadTemplate) > 0 && !json.Valid(a.PayloadTemplate) {
			return fmt.Errorf("workflow %s: action %s payload is not valid JSON", w.ID, a.ID)
		}
	}
	return nil
}

// definitionsFile is the YAML layout. Intervals and delays are in minutes.
type definitionsFile struct {
	Workflows []struct {
		ID       string `yaml:"id"`
		Trigger  string `yaml:"trigger"`
		Phase    string `yaml:"phase"`
		Interval int64  `yaml:"interval"`
		Active   *bool  `yaml:"active"`
		Paused   bool   `yaml:"paused"`
		Actions  []struct {
			ID        string      `yaml:"id"`
			Order     int         `yaml:"order"`
			Endpoint  string      `yaml:"endpoint"`
			Delay     int64       `yaml:"delay"`
			Condition string      `yaml:"condition"`
			Payload   interface{} `yaml:"payload"`
		} `yaml:"actions"`
	} `yaml:"workflows"`
}

// ParseDefinitions decodes workflow definitions from YAML
func ParseDefinitions(data []byte) (*StaticDefinitions, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definitions: %w", err)
	}

	workflows := make([]WorkflowDefinition, 0, len(file.Workflows))
	for _, fw := range file.Workflows {
		w := WorkflowDefinition{
			ID:          fw.ID,
			TriggerName: fw.Trigger,
			Phase:       Phase(fw.Phase),
			Interval:    time.Duration(fw.Interval) * time.Minute,
			Active:      fw.Active == nil || *fw.Active,
			Paused:      fw.Paused,
		}
		if w.Phase == "" {
			w.Phase = PhaseNow
		}
		for _, fa := range fw.Actions {
			a := ActionDefinition{
				ID:         fa.ID,
				WorkflowID: fw.ID,
				Order:      fa.Order,
				Endpoint:   fa.Endpoint,
				Delay:      time.Duration(fa.Delay) * time.Minute,
				Condition:  fa.Condition,
			}
			if fa.Payload != nil {
				b, err := json.Marshal(fa.Payload)
				if err != nil {
					return nil, fmt.Errorf("workflow %s: action %s payload: %w", fw.ID, fa.ID, err)
				}
				a.PayloadTemplate = b
			}
			w.Actions = append(w.Actions, a)
		}
		workflows = append(workflows, w)
	}
	return NewStaticDefinitions(workflows...)
}

// LoadDefinitions reads workflow definitions from a YAML file
func LoadDefinitions(path string) (*StaticDefinitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definitions: %w", err)
	}
	return ParseDefinitions(data)
}
