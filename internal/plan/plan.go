package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"wavecrew/internal/domain"
	"wavecrew/internal/graph"
)

var ErrInvalidEdit = errors.New("invalid plan edit")

// LoadFile reads a plan from a YAML or JSON file.
func LoadFile(path string) (domain.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("read plan file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a plan document. JSON input is accepted since it is valid
// YAML.
func Parse(data []byte) (domain.Plan, error) {
	var p domain.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return domain.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	for i := range p.Tasks {
		p.Tasks[i].ID = strings.TrimSpace(p.Tasks[i].ID)
		p.Tasks[i].AgentType = domain.AgentType(strings.ToLower(strings.TrimSpace(string(p.Tasks[i].AgentType))))
	}
	return p, nil
}

type EditKind string

const (
	EditAddTask           EditKind = "add_task"
	EditRemoveTask        EditKind = "remove_task"
	EditSetPriority       EditKind = "set_priority"
	EditSetDependencies   EditKind = "set_dependencies"
	EditSetAgent          EditKind = "set_agent"
	EditUpdateDescription EditKind = "update_description"
)

type Edit struct {
	Kind        EditKind         `json:"kind" yaml:"kind"`
	TaskID      string           `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Task        *domain.PlanTask `json:"task,omitempty" yaml:"task,omitempty"`
	After       string           `json:"after,omitempty" yaml:"after,omitempty"`
	Priority    *int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	AgentType   domain.AgentType `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// Feedback is a reviewer's requested change set for a plan under review.
type Feedback struct {
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Edits   []Edit `json:"edits" yaml:"edits"`
}

// Preview is the dry-run result of applying feedback.
type Preview struct {
	Plan     domain.Plan `json:"plan"`
	Changes  []string    `json:"changes"`
	Order    []string    `json:"order,omitempty"`
	Valid    bool        `json:"valid"`
	Problems string      `json:"problems,omitempty"`
}

// Analyze applies feedback to a copy of p and reports the outcome without
// failing on structural problems.
func Analyze(p domain.Plan, fb Feedback) (Preview, error) {
	next, changes, err := applyEdits(p, fb.Edits)
	if err != nil {
		return Preview{}, err
	}
	preview := Preview{Plan: next, Changes: changes, Valid: true}
	order, err := graph.TopologicalOrder(next)
	if err != nil {
		preview.Valid = false
		preview.Problems = err.Error()
		return preview, nil
	}
	preview.Order = order
	return preview, nil
}

// Apply returns p with the feedback applied. The result must validate.
func Apply(p domain.Plan, fb Feedback) (domain.Plan, []string, error) {
	next, changes, err := applyEdits(p, fb.Edits)
	if err != nil {
		return domain.Plan{}, nil, err
	}
	if err := graph.Validate(next); err != nil {
		return domain.Plan{}, nil, err
	}
	return next, changes, nil
}

func applyEdits(p domain.Plan, edits []Edit) (domain.Plan, []string, error) {
	if len(edits) == 0 {
		return domain.Plan{}, nil, fmt.Errorf("%w: feedback has no edits", ErrInvalidEdit)
	}
	next := p.Clone()
	changes := make([]string, 0, len(edits))
	for i, e := range edits {
		change, err := applyEdit(&next, e)
		if err != nil {
			return domain.Plan{}, nil, fmt.Errorf("edit %d (%s): %w", i, e.Kind, err)
		}
		changes = append(changes, change)
	}
	return next, changes, nil
}

func applyEdit(p *domain.Plan, e Edit) (string, error) {
	if e.Kind == EditAddTask {
		if e.Task == nil || strings.TrimSpace(e.Task.ID) == "" {
			return "", fmt.Errorf("%w: add_task needs a task with an id", ErrInvalidEdit)
		}
		if _, _, exists := p.Task(e.Task.ID); exists {
			return "", fmt.Errorf("%w: task %s already exists", ErrInvalidEdit, e.Task.ID)
		}
		t := *e.Task
		t.DependsOn = append([]string(nil), t.DependsOn...)
		pos := len(p.Tasks)
		if e.After != "" {
			_, idx, ok := p.Task(e.After)
			if !ok {
				return "", fmt.Errorf("%w: unknown anchor task %s", ErrInvalidEdit, e.After)
			}
			pos = idx + 1
		}
		p.Tasks = append(p.Tasks, domain.PlanTask{})
		copy(p.Tasks[pos+1:], p.Tasks[pos:])
		p.Tasks[pos] = t
		return fmt.Sprintf("added task %s", t.ID), nil
	}

	_, idx, ok := p.Task(e.TaskID)
	if !ok {
		return "", fmt.Errorf("%w: unknown task %q", ErrInvalidEdit, e.TaskID)
	}
	t := &p.Tasks[idx]
	switch e.Kind {
	case EditRemoveTask:
		p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
		return fmt.Sprintf("removed task %s", e.TaskID), nil
	case EditSetPriority:
		if e.Priority == nil {
			return "", fmt.Errorf("%w: set_priority needs a priority", ErrInvalidEdit)
		}
		old := t.Priority
		t.Priority = *e.Priority
		return fmt.Sprintf("priority of %s %d -> %d", t.ID, old, t.Priority), nil
	case EditSetDependencies:
		t.DependsOn = append([]string(nil), e.DependsOn...)
		return fmt.Sprintf("dependencies of %s set to [%s]", t.ID, strings.Join(t.DependsOn, ",")), nil
	case EditSetAgent:
		if !e.AgentType.Valid() {
			return "", fmt.Errorf("%w: unknown agent type %q", ErrInvalidEdit, e.AgentType)
		}
		old := t.AgentType
		t.AgentType = e.AgentType
		return fmt.Sprintf("agent of %s %s -> %s", t.ID, old, t.AgentType), nil
	case EditUpdateDescription:
		t.Description = e.Description
		return fmt.Sprintf("description of %s updated", t.ID), nil
	default:
		return "", fmt.Errorf("%w: unknown edit kind %q", ErrInvalidEdit, e.Kind)
	}
}
