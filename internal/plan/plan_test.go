package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavecrew/internal/domain"
	"wavecrew/internal/graph"
)

const yamlPlan = `
summary: storefront
tasks:
  - id: schema
    title: Create schema
    agent_type: Database
    priority: 1
    phase: data
  - id: api
    title: REST API
    agent_type: backend
    priority: 1
    depends_on: [schema]
  - id: ui
    title: Storefront UI
    agent_type: frontend
    priority: 2
    depends_on: [api]
`

func basePlan(t *testing.T) domain.Plan {
	t.Helper()
	p, err := Parse([]byte(yamlPlan))
	require.NoError(t, err)
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	p := basePlan(t)
	require.Len(t, p.Tasks, 3)
	assert.Equal(t, domain.AgentDatabase, p.Tasks[0].AgentType)
	assert.Equal(t, []string{"schema"}, p.Tasks[1].DependsOn)
	assert.Equal(t, []string{"data"}, p.Phases())

	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks":[{"id":"a","title":"A","agent_type":"testing","priority":3}]}`), 0o644))
	fromJSON, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, fromJSON.Tasks, 1)
	assert.Equal(t, 3, fromJSON.Tasks[0].Priority)
}

func TestApplyEdits(t *testing.T) {
	p := basePlan(t)
	prio := 0
	next, changes, err := Apply(p, Feedback{Edits: []Edit{
		{Kind: EditAddTask, After: "api", Task: &domain.PlanTask{ID: "tests", Title: "API tests", AgentType: domain.AgentTesting, Priority: 3, DependsOn: []string{"api"}}},
		{Kind: EditSetPriority, TaskID: "ui", Priority: &prio},
		{Kind: EditSetAgent, TaskID: "api", AgentType: domain.AgentIntegration},
		{Kind: EditUpdateDescription, TaskID: "schema", Description: "postgres"},
	}})
	require.NoError(t, err)
	assert.Len(t, changes, 4)
	ids := make([]string, 0, len(next.Tasks))
	for _, task := range next.Tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"schema", "api", "tests", "ui"}, ids)
	assert.Equal(t, 0, next.Tasks[3].Priority)
	assert.Equal(t, domain.AgentIntegration, next.Tasks[1].AgentType)
	assert.Equal(t, "postgres", next.Tasks[0].Description)

	// the input plan is untouched
	assert.Len(t, p.Tasks, 3)
	assert.Equal(t, domain.AgentBackend, p.Tasks[1].AgentType)
}

func TestApplyRejectsEditThatBreaksGraph(t *testing.T) {
	p := basePlan(t)
	_, _, err := Apply(p, Feedback{Edits: []Edit{{Kind: EditRemoveTask, TaskID: "api"}}})
	require.ErrorIs(t, err, graph.ErrInvalidPlan)

	_, _, err = Apply(p, Feedback{Edits: []Edit{{Kind: EditSetDependencies, TaskID: "schema", DependsOn: []string{"ui"}}}})
	require.ErrorIs(t, err, graph.ErrInvalidPlan)
}

func TestApplyRejectsMalformedEdits(t *testing.T) {
	p := basePlan(t)
	for name, fb := range map[string]Feedback{
		"empty":         {},
		"unknown task":  {Edits: []Edit{{Kind: EditRemoveTask, TaskID: "nope"}}},
		"duplicate add": {Edits: []Edit{{Kind: EditAddTask, Task: &domain.PlanTask{ID: "api"}}}},
		"bad agent":     {Edits: []Edit{{Kind: EditSetAgent, TaskID: "api", AgentType: "wizard"}}},
		"no priority":   {Edits: []Edit{{Kind: EditSetPriority, TaskID: "api"}}},
		"unknown kind":  {Edits: []Edit{{Kind: "rename", TaskID: "api"}}},
	} {
		_, _, err := Apply(p, fb)
		assert.ErrorIs(t, err, ErrInvalidEdit, name)
	}
}

func TestAnalyzeReportsProblemsWithoutFailing(t *testing.T) {
	p := basePlan(t)
	preview, err := Analyze(p, Feedback{Edits: []Edit{{Kind: EditSetDependencies, TaskID: "schema", DependsOn: []string{"ui"}}}})
	require.NoError(t, err)
	assert.False(t, preview.Valid)
	assert.Contains(t, preview.Problems, "cycle")

	preview, err = Analyze(p, Feedback{Edits: []Edit{{Kind: EditSetDependencies, TaskID: "ui", DependsOn: []string{"schema"}}}})
	require.NoError(t, err)
	assert.True(t, preview.Valid)
	assert.Equal(t, []string{"schema", "api", "ui"}, preview.Order)
}
