package wave

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"wavecrew/internal/domain"
)

const DefaultMaxSize = 12

var (
	ErrDeadlock       = errors.New("wave deadlock: pending tasks have unmet dependencies")
	ErrNothingPending = errors.New("no pending tasks")
)

// DeadlockError names the pending tasks that can never become ready.
type DeadlockError struct {
	Blocked []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%s (blocked: %s)", ErrDeadlock.Error(), strings.Join(e.Blocked, ","))
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

type Selection struct {
	Number  int
	TaskIDs []string
}

// Ready returns the pending, unassigned tasks whose dependencies have all
// completed, ordered by priority then plan order.
func Ready(tasks []domain.Task) []domain.Task {
	status := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	ready := make([]domain.Task, 0)
	for _, t := range tasks {
		if t.Status != domain.TaskStatusPending || t.WaveNumber != nil {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if status[dep] != domain.TaskStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].PlanOrder < ready[j].PlanOrder
	})
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority < ready[j].Priority
	})
	return ready
}

// Build selects the next wave from a project's tasks.
func Build(tasks []domain.Task, maxSize, number int) (Selection, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	var pending []string
	for _, t := range tasks {
		if t.Status == domain.TaskStatusPending && t.WaveNumber == nil {
			pending = append(pending, t.ID)
		}
	}
	if len(pending) == 0 {
		return Selection{}, ErrNothingPending
	}

	ready := Ready(tasks)
	if len(ready) == 0 {
		sort.Strings(pending)
		return Selection{}, &DeadlockError{Blocked: pending}
	}
	if len(ready) > maxSize {
		ready = ready[:maxSize]
	}
	sel := Selection{Number: number, TaskIDs: make([]string, 0, len(ready))}
	for _, t := range ready {
		sel.TaskIDs = append(sel.TaskIDs, t.ID)
	}
	return sel, nil
}
