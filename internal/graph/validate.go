package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"wavecrew/internal/domain"
)

var ErrInvalidPlan = errors.New("invalid plan")

// ValidationError lists every structural problem found in a plan.
type ValidationError struct {
	Empty         bool
	BlankIDs      []int
	Duplicates    []string
	UnknownAgents []string
	UnknownDeps   []string
	SelfDeps      []string
	Cycle         []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Empty {
		parts = append(parts, "plan has no tasks")
	}
	if len(e.BlankIDs) > 0 {
		idx := make([]string, 0, len(e.BlankIDs))
		for _, i := range e.BlankIDs {
			idx = append(idx, fmt.Sprintf("#%d", i))
		}
		parts = append(parts, "blank task ids at "+strings.Join(idx, ","))
	}
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicate ids: "+strings.Join(e.Duplicates, ","))
	}
	if len(e.UnknownAgents) > 0 {
		parts = append(parts, "unknown agent types on: "+strings.Join(e.UnknownAgents, ","))
	}
	if len(e.UnknownDeps) > 0 {
		parts = append(parts, "unknown dependencies: "+strings.Join(e.UnknownDeps, ","))
	}
	if len(e.SelfDeps) > 0 {
		parts = append(parts, "self dependencies: "+strings.Join(e.SelfDeps, ","))
	}
	if len(e.Cycle) > 0 {
		parts = append(parts, "cycle: "+strings.Join(e.Cycle, " -> "))
	}
	return "invalid plan: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPlan }

// Offending returns the distinct task ids named by the error, sorted.
func (e *ValidationError) Offending() []string {
	seen := map[string]bool{}
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	add(e.Duplicates)
	add(e.UnknownAgents)
	add(e.UnknownDeps)
	add(e.SelfDeps)
	add(e.Cycle)
	sort.Strings(out)
	return out
}

func (e *ValidationError) empty() bool {
	return !e.Empty && len(e.BlankIDs) == 0 && len(e.Duplicates) == 0 &&
		len(e.UnknownAgents) == 0 && len(e.UnknownDeps) == 0 &&
		len(e.SelfDeps) == 0 && len(e.Cycle) == 0
}

// Validate checks a plan for structural soundness. It returns nil or a
// *ValidationError.
func Validate(plan domain.Plan) error {
	verr := &ValidationError{}
	if len(plan.Tasks) == 0 {
		verr.Empty = true
		return verr
	}

	ids := make(map[string]bool, len(plan.Tasks))
	dupSeen := map[string]bool{}
	for i, task := range plan.Tasks {
		id := strings.TrimSpace(task.ID)
		if id == "" {
			verr.BlankIDs = append(verr.BlankIDs, i)
			continue
		}
		if ids[id] {
			if !dupSeen[id] {
				verr.Duplicates = append(verr.Duplicates, id)
				dupSeen[id] = true
			}
			continue
		}
		ids[id] = true
	}

	for _, task := range plan.Tasks {
		if task.ID == "" {
			continue
		}
		if !task.AgentType.Valid() {
			verr.UnknownAgents = append(verr.UnknownAgents, task.ID)
		}
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				verr.SelfDeps = append(verr.SelfDeps, task.ID)
				continue
			}
			if !ids[dep] {
				verr.UnknownDeps = append(verr.UnknownDeps, dep)
			}
		}
	}

	// Cycle detection only makes sense over a well-formed id set.
	if len(verr.Duplicates) == 0 && len(verr.BlankIDs) == 0 && len(verr.SelfDeps) == 0 {
		verr.Cycle = DetectCycle(plan)
	}

	if verr.empty() {
		return nil
	}
	return verr
}

const (
	white = iota
	gray
	black
)

// DetectCycle walks the dependency graph depth-first in plan order and
// returns the first cycle found as a closed path (first id repeated last),
// or nil. Unknown dependencies are ignored.
func DetectCycle(plan domain.Plan) []string {
	deps := make(map[string][]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		deps[t.ID] = t.DependsOn
	}
	color := make(map[string]int, len(plan.Tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case gray:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, t := range plan.Tasks {
		if color[t.ID] != white {
			continue
		}
		if cycle := visit(t.ID); cycle != nil {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns task ids so that every task follows its
// dependencies. Among ready tasks, lower priority wins, then plan order.
func TopologicalOrder(plan domain.Plan) ([]string, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}
	indegree := make(map[string]int, len(plan.Tasks))
	dependents := make(map[string][]string, len(plan.Tasks))
	order := make(map[string]int, len(plan.Tasks))
	priority := make(map[string]int, len(plan.Tasks))
	for i, t := range plan.Tasks {
		order[t.ID] = i
		priority[t.ID] = t.Priority
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ready []string
	for _, t := range plan.Tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	out := make([]string, 0, len(plan.Tasks))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			if priority[ready[i]] != priority[ready[j]] {
				return priority[ready[i]] < priority[ready[j]]
			}
			return order[ready[i]] < order[ready[j]]
		})
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return out, nil
}
