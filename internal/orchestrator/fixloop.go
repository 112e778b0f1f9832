package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"wavecrew/internal/domain"
	"wavecrew/internal/quality"
)

// runFixLoop sends the tasks that fell short back to their agents with the
// gate's findings attached. The wave's fix attempt counter is compared and
// bumped in the same transaction that resets the tasks, so two evaluations
// of the same wave can never both start a round.
func (s *Service) runFixLoop(ctx context.Context, w domain.Wave, res quality.Result) error {
	if w.FixAttempts+1 > w.MaxFixAttempts {
		return s.escalate(ctx, w, res, true)
	}
	if len(res.Issues) == 0 {
		s.logger.Printf("fix round skipped project=%s wave=%d: no task needs a fix", w.ProjectID, w.Number)
		return nil
	}

	tasks, err := s.store.ListTasks(ctx, w.ProjectID)
	if err != nil {
		return err
	}
	byID := indexTasks(tasks)
	msgs := make([]domain.Message, 0, len(res.Issues))
	ids := make([]string, 0, len(res.Issues))
	for _, issue := range res.Issues {
		task, ok := byID[issue.TaskID]
		if !ok {
			return fmt.Errorf("fix round: task %s: %w", issue.TaskID, domain.ErrNotFound)
		}
		msg, err := buildDispatch(task, w.Number, task.FixAttempts+1, byID, issue.Issues)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		ids = append(ids, task.ID)
	}

	var updated domain.Wave
	err = retryBusy(func() error {
		var err error
		updated, err = s.store.ResetTasksForFix(ctx, w.ProjectID, w.Number, w.FixAttempts, msgs)
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Printf("fix round skipped project=%s wave=%d: %v", w.ProjectID, w.Number, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start fix round: %w", err)
	}
	s.logDecision(ctx, w.ProjectID, "fix_round_started", res.Reason, map[string]any{
		"wave":         w.Number,
		"fix_attempt":  updated.FixAttempts,
		"max_attempts": updated.MaxFixAttempts,
		"tasks":        ids,
	})
	s.metrics.FixRound()
	return nil
}
