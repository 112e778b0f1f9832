package domain

import (
	"encoding/json"
	"fmt"
)

type PlanTask struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	AgentType   AgentType `json:"agent_type" yaml:"agent_type"`
	Priority    int       `json:"priority" yaml:"priority"`
	Phase       string    `json:"phase,omitempty" yaml:"phase,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is an ordered task list. Order matters: it is the tie-break for
// equal priorities when waves are built.
type Plan struct {
	Summary string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	Tasks   []PlanTask `json:"tasks" yaml:"tasks"`
}

func (p Plan) Clone() Plan {
	out := Plan{Summary: p.Summary, Tasks: make([]PlanTask, len(p.Tasks))}
	for i, t := range p.Tasks {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		out.Tasks[i] = t
	}
	return out
}

func (p Plan) Task(id string) (PlanTask, int, bool) {
	for i, t := range p.Tasks {
		if t.ID == id {
			return t, i, true
		}
	}
	return PlanTask{}, -1, false
}

// Phases returns the phase grouping labels in first-seen order.
func (p Plan) Phases() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range p.Tasks {
		if t.Phase == "" || seen[t.Phase] {
			continue
		}
		seen[t.Phase] = true
		out = append(out, t.Phase)
	}
	return out
}

type PlanKind string

const (
	PlanKindDraft            PlanKind = "draft"
	PlanKindPendingQuestions PlanKind = "pending_questions"
	PlanKindPendingConfig    PlanKind = "pending_config"
	PlanKindReady            PlanKind = "ready"
)

// PlanState is a closed union; the unexported method keeps other packages
// from adding variants.
type PlanState interface {
	Kind() PlanKind
	isPlanState()
}

type PlanDraft struct {
	Goal  string `json:"goal,omitempty"`
	Notes string `json:"notes,omitempty"`
}

type Question struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Answer string `json:"answer,omitempty"`
}

type PlanPendingQuestions struct {
	Goal      string     `json:"goal,omitempty"`
	Questions []Question `json:"questions"`
}

func (q PlanPendingQuestions) Unanswered() []string {
	var out []string
	for _, item := range q.Questions {
		if item.Answer == "" {
			out = append(out, item.ID)
		}
	}
	return out
}

type ConfigField struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`
}

type PlanPendingConfig struct {
	Goal   string        `json:"goal,omitempty"`
	Fields []ConfigField `json:"fields"`
}

func (c PlanPendingConfig) Missing() []string {
	var out []string
	for _, f := range c.Fields {
		if f.Value == "" {
			out = append(out, f.Key)
		}
	}
	return out
}

type PlanReady struct {
	Plan Plan `json:"plan"`
}

func (PlanDraft) Kind() PlanKind            { return PlanKindDraft }
func (PlanPendingQuestions) Kind() PlanKind { return PlanKindPendingQuestions }
func (PlanPendingConfig) Kind() PlanKind    { return PlanKindPendingConfig }
func (PlanReady) Kind() PlanKind            { return PlanKindReady }

func (PlanDraft) isPlanState()            {}
func (PlanPendingQuestions) isPlanState() {}
func (PlanPendingConfig) isPlanState()    {}
func (PlanReady) isPlanState()            {}

// ReadyPlan returns the plan when the state is PlanReady.
func ReadyPlan(state PlanState) (Plan, bool) {
	ready, ok := state.(PlanReady)
	if !ok {
		return Plan{}, false
	}
	return ready.Plan, true
}

type planEnvelope struct {
	Kind PlanKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodePlanState(state PlanState) ([]byte, error) {
	if state == nil {
		state = PlanDraft{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode plan state: %w", err)
	}
	return json.Marshal(planEnvelope{Kind: state.Kind(), Data: data})
}

func DecodePlanState(raw []byte) (PlanState, error) {
	var env planEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode plan envelope: %w", err)
	}
	var (
		state PlanState
		err   error
	)
	switch env.Kind {
	case PlanKindDraft:
		var v PlanDraft
		err = unmarshalData(env.Data, &v)
		state = v
	case PlanKindPendingQuestions:
		var v PlanPendingQuestions
		err = unmarshalData(env.Data, &v)
		state = v
	case PlanKindPendingConfig:
		var v PlanPendingConfig
		err = unmarshalData(env.Data, &v)
		state = v
	case PlanKindReady:
		var v PlanReady
		err = unmarshalData(env.Data, &v)
		state = v
	default:
		return nil, fmt.Errorf("unknown plan state kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s plan state: %w", env.Kind, err)
	}
	return state, nil
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
