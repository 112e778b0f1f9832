package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("record changed concurrently or violates a constraint")
)

type transitionTable[S comparable] map[S][]S

func (t transitionTable[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

var taskTransitions = transitionTable[TaskStatus]{
	TaskStatusPending:    {TaskStatusInProgress},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted:  {TaskStatusPending},
	TaskStatusFailed:     {TaskStatusPending},
}

var waveTransitions = transitionTable[WaveStatus]{
	WaveStatusInProgress: {WaveStatusCompleted, WaveStatusFailed},
}

var reviewTransitions = transitionTable[ReviewStatus]{
	ReviewStatusPending:  {ReviewStatusInReview, ReviewStatusResolved, ReviewStatusCancelled},
	ReviewStatusInReview: {ReviewStatusInReview, ReviewStatusResolved, ReviewStatusCancelled},
}

var phaseTransitions = transitionTable[ProjectPhase]{
	PhasePlanning:      {PhasePlanning, PhasePlanReview},
	PhasePlanReview:    {PhasePlanReview, PhaseWaveExecution, PhaseFailed},
	PhaseWaveExecution: {PhaseComplete, PhaseFailed},
}

var reviewActionTargets = map[ReviewAction]ReviewStatus{
	ReviewActionApprove:        ReviewStatusResolved,
	ReviewActionReject:         ReviewStatusResolved,
	ReviewActionRequestChanges: ReviewStatusInReview,
	ReviewActionRetryAutofix:   ReviewStatusInReview,
	ReviewActionAssign:         ReviewStatusInReview,
	ReviewActionCancel:         ReviewStatusCancelled,
}

func CheckTaskTransition(from, to TaskStatus) error {
	if !taskTransitions.allows(from, to) {
		return fmt.Errorf("%w: task %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckWaveTransition(from, to WaveStatus) error {
	if !waveTransitions.allows(from, to) {
		return fmt.Errorf("%w: wave %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckReviewTransition(from, to ReviewStatus) error {
	if !reviewTransitions.allows(from, to) {
		return fmt.Errorf("%w: review %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckPhaseTransition(from, to ProjectPhase) error {
	if !phaseTransitions.allows(from, to) {
		return fmt.Errorf("%w: phase %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// NextReviewStatus resolves the status a review action leads to from the
// request's current status.
func NextReviewStatus(from ReviewStatus, action ReviewAction) (ReviewStatus, error) {
	to, ok := reviewActionTargets[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown review action %q", ErrIllegalTransition, action)
	}
	if err := CheckReviewTransition(from, to); err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	return to, nil
}
