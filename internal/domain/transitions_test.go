package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusFailed, true},
		{TaskStatusCompleted, TaskStatusPending, true},
		{TaskStatusFailed, TaskStatusPending, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusInProgress, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
	}
	for _, tc := range cases {
		err := CheckTaskTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestWaveTerminalStatesDoNotMove(t *testing.T) {
	assert.NoError(t, CheckWaveTransition(WaveStatusInProgress, WaveStatusCompleted))
	assert.NoError(t, CheckWaveTransition(WaveStatusInProgress, WaveStatusFailed))
	for _, from := range []WaveStatus{WaveStatusCompleted, WaveStatusFailed} {
		for _, to := range []WaveStatus{WaveStatusInProgress, WaveStatusCompleted, WaveStatusFailed} {
			assert.ErrorIs(t, CheckWaveTransition(from, to), ErrIllegalTransition, "%s -> %s", from, to)
		}
	}
}

func TestReviewCannotReturnToPending(t *testing.T) {
	assert.ErrorIs(t, CheckReviewTransition(ReviewStatusInReview, ReviewStatusPending), ErrIllegalTransition)
	for _, from := range []ReviewStatus{ReviewStatusResolved, ReviewStatusCancelled} {
		for _, to := range []ReviewStatus{ReviewStatusPending, ReviewStatusInReview, ReviewStatusResolved, ReviewStatusCancelled} {
			assert.ErrorIs(t, CheckReviewTransition(from, to), ErrIllegalTransition, "%s -> %s", from, to)
		}
	}
}

func TestNextReviewStatus(t *testing.T) {
	cases := []struct {
		from   ReviewStatus
		action ReviewAction
		want   ReviewStatus
	}{
		{ReviewStatusPending, ReviewActionApprove, ReviewStatusResolved},
		{ReviewStatusPending, ReviewActionReject, ReviewStatusResolved},
		{ReviewStatusPending, ReviewActionRequestChanges, ReviewStatusInReview},
		{ReviewStatusPending, ReviewActionRetryAutofix, ReviewStatusInReview},
		{ReviewStatusInReview, ReviewActionAssign, ReviewStatusInReview},
		{ReviewStatusInReview, ReviewActionCancel, ReviewStatusCancelled},
		{ReviewStatusInReview, ReviewActionApprove, ReviewStatusResolved},
	}
	for _, tc := range cases {
		got, err := NextReviewStatus(tc.from, tc.action)
		require.NoError(t, err, "%s on %s", tc.action, tc.from)
		assert.Equal(t, tc.want, got, "%s on %s", tc.action, tc.from)
	}

	_, err := NextReviewStatus(ReviewStatusResolved, ReviewActionApprove)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = NextReviewStatus(ReviewStatusCancelled, ReviewActionRetryAutofix)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = NextReviewStatus(ReviewStatusPending, ReviewAction("escalate"))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestPhaseTransitions(t *testing.T) {
	assert.NoError(t, CheckPhaseTransition(PhasePlanning, PhasePlanReview))
	assert.NoError(t, CheckPhaseTransition(PhasePlanReview, PhasePlanReview))
	assert.NoError(t, CheckPhaseTransition(PhasePlanReview, PhaseWaveExecution))
	assert.NoError(t, CheckPhaseTransition(PhaseWaveExecution, PhaseComplete))
	assert.NoError(t, CheckPhaseTransition(PhaseWaveExecution, PhaseFailed))

	assert.ErrorIs(t, CheckPhaseTransition(PhasePlanning, PhaseWaveExecution), ErrIllegalTransition)
	assert.ErrorIs(t, CheckPhaseTransition(PhaseWaveExecution, PhasePlanReview), ErrIllegalTransition)
	for _, from := range []ProjectPhase{PhaseComplete, PhaseFailed} {
		for _, to := range []ProjectPhase{PhasePlanning, PhasePlanReview, PhaseWaveExecution, PhaseComplete, PhaseFailed} {
			assert.ErrorIs(t, CheckPhaseTransition(from, to), ErrIllegalTransition, "%s -> %s", from, to)
		}
	}
}
