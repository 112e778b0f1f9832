package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wavecrew/internal/domain"
	"wavecrew/internal/quality"
	"wavecrew/internal/wave"
)

// evaluateWave runs the quality gate on a resolved in-progress wave and acts
// on the result. notify controls whether a repeated escalation of a wave that
// already has an open request reaches the owner again. Callers hold the
// project lock.
func (s *Service) evaluateWave(ctx context.Context, projectID string, number int, notify bool) error {
	w, err := s.store.GetWave(ctx, projectID, number)
	if err != nil {
		return err
	}
	if w.Status != domain.WaveStatusInProgress || !w.Resolved() {
		return nil
	}
	tasks, err := s.store.ListWaveTasks(ctx, projectID, number)
	if err != nil {
		return err
	}
	res := s.gate.Classify(w, tasks)
	s.metrics.Classified(string(res.Classification))
	s.logDecision(ctx, projectID, "wave_classified", res.Reason, map[string]any{
		"wave":            number,
		"classification":  res.Classification,
		"average_score":   res.AverageScore,
		"critical_issues": res.CriticalIssues,
		"failed_tasks":    res.FailedTasks,
		"fix_attempts":    w.FixAttempts,
		"max_fix":         w.MaxFixAttempts,
	})

	switch res.Classification {
	case quality.Pass:
		return s.passWave(ctx, w, res)
	case quality.NeedsFix:
		return s.runFixLoop(ctx, w, res)
	case quality.NeedsHumanReview:
		return s.escalate(ctx, w, res, notify)
	default:
		return fmt.Errorf("unknown classification %q", res.Classification)
	}
}

// passWave closes a wave that met the bar. If it was in an autofix round the
// open review request is resolved on the human's behalf.
func (s *Service) passWave(ctx context.Context, w domain.Wave, res quality.Result) error {
	active, err := s.store.GetActiveReviewRequest(ctx, w.ProjectID, w.Number)
	switch {
	case err == nil:
		now := time.Now().UTC()
		resolved := active
		resolved.Status = domain.ReviewStatusResolved
		resolved.Resolution = domain.ResolutionResolvedByAutofix
		resolved.ResolvedAt = &now
		resolved.Notes = append(append([]domain.ReviewNote(nil), active.Notes...), domain.ReviewNote{
			Actor:     orchestratorAgentID,
			Action:    domain.ReviewActionRetryAutofix,
			Text:      res.Reason,
			CreatedAt: now,
		})
		if err := domain.CheckReviewTransition(active.Status, resolved.Status); err != nil {
			return err
		}
		if err := retryBusy(func() error {
			return s.store.ApplyReviewUpdate(ctx, domain.ReviewUpdate{
				Request:         resolved,
				ExpectStatus:    active.Status,
				WaveStatus:      domain.WaveStatusCompleted,
				ClearReviewFlag: true,
			})
		}); err != nil {
			return fmt.Errorf("resolve review by autofix: %w", err)
		}
		s.logDecision(ctx, w.ProjectID, "review_resolved_by_autofix", res.Reason, map[string]any{
			"wave":      w.Number,
			"review_id": active.ID,
		})
	case errors.Is(err, domain.ErrNotFound):
		closed, err := s.store.CloseWave(ctx, w.ProjectID, w.Number, domain.WaveStatusCompleted)
		if err != nil {
			return err
		}
		if !closed {
			return nil
		}
	default:
		return err
	}
	s.logDecision(ctx, w.ProjectID, "wave_completed", res.Reason, map[string]any{
		"wave":          w.Number,
		"average_score": res.AverageScore,
	})
	return s.advance(ctx, w.ProjectID)
}

// advance builds the next wave, or completes the project and requests
// deployment when nothing is left. A deadlock fails the project and is
// returned to the caller.
func (s *Service) advance(ctx context.Context, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Phase != domain.PhaseWaveExecution || project.HumanReviewRequired {
		return nil
	}
	if _, err := s.store.GetInProgressWave(ctx, projectID); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return err
	}
	waves, err := s.store.ListWaves(ctx, projectID)
	if err != nil {
		return err
	}
	next := 1
	for _, w := range waves {
		if w.Number >= next {
			next = w.Number + 1
		}
	}

	sel, err := wave.Build(tasks, s.cfg.MaxWaveSize, next)
	switch {
	case errors.Is(err, wave.ErrNothingPending):
		return s.finishProject(ctx, project, tasks, len(waves))
	case errors.Is(err, wave.ErrDeadlock):
		if _, ferr := s.store.FailProject(ctx, projectID, err.Error()); ferr != nil {
			return fmt.Errorf("fail deadlocked project: %w", ferr)
		}
		s.logDecision(ctx, projectID, "deadlock", err.Error(), map[string]any{"wave": next})
		s.metrics.ProjectFinished(string(domain.PhaseFailed))
		return fmt.Errorf("build wave %d: %w", next, err)
	case err != nil:
		return err
	}

	byID := indexTasks(tasks)
	msgs := make([]domain.Message, 0, len(sel.TaskIDs))
	for _, id := range sel.TaskIDs {
		msg, err := buildDispatch(byID[id], sel.Number, byID[id].FixAttempts, byID, nil)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	w := domain.Wave{ProjectID: projectID, Number: sel.Number, MaxFixAttempts: s.cfg.MaxFixAttempts}
	err = retryBusy(func() error {
		return s.store.CreateWave(ctx, w, sel.TaskIDs, msgs)
	})
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Printf("create wave skipped project=%s wave=%d: %v", projectID, sel.Number, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create wave %d: %w", sel.Number, err)
	}
	s.logDecision(ctx, projectID, "wave_built", fmt.Sprintf("wave %d opened", sel.Number), map[string]any{
		"wave":  sel.Number,
		"tasks": sel.TaskIDs,
	})
	s.metrics.WaveBuilt()
	return nil
}

func (s *Service) finishProject(ctx context.Context, project domain.Project, tasks []domain.Task, waves int) error {
	done, err := s.store.CompleteProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	s.logDecision(ctx, project.ID, "project_completed", "all waves completed", map[string]any{
		"waves": waves,
		"tasks": len(tasks),
	})
	s.metrics.ProjectFinished(string(domain.PhaseComplete))
	return s.requestDeployment(ctx, project, tasks, waves)
}

// requestDeployment hands the project to the deployer. A failure leaves
// DeploymentRequested unset so Resume tries again.
func (s *Service) requestDeployment(ctx context.Context, project domain.Project, tasks []domain.Task, waves int) error {
	ev := domain.DeploymentEvent{
		ProjectID:   project.ID,
		OwnerID:     project.OwnerID,
		Waves:       waves,
		Tasks:       len(tasks),
		RequestedAt: time.Now().UTC(),
	}
	for _, t := range tasks {
		if t.OutputRef != "" {
			ev.OutputRefs = append(ev.OutputRefs, t.OutputRef)
		}
	}
	if err := s.deployer.RequestDeployment(ctx, ev); err != nil {
		s.logger.Printf("deployment request failed project=%s: %v", project.ID, err)
		s.logDecision(ctx, project.ID, "deployment_failed", trimText(err.Error(), 500), nil)
		return nil
	}
	if err := s.store.MarkDeploymentRequested(ctx, project.ID); err != nil {
		return err
	}
	s.logDecision(ctx, project.ID, "deployment_requested", "deployment handed off", ev)
	s.metrics.DeploymentRequested()
	return nil
}

type ResumeReport struct {
	ProjectID string              `json:"project_id"`
	Phase     domain.ProjectPhase `json:"phase"`
	Actions   []string            `json:"actions,omitempty"`
}

// Resume re-derives the next step of a project from persisted state alone.
// It is safe to call at any time and any number of times.
func (s *Service) Resume(ctx context.Context, projectID string) (ResumeReport, error) {
	report := ResumeReport{ProjectID: projectID}
	err := s.withProject(projectID, func() error {
		project, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		report.Phase = project.Phase

		switch project.Phase {
		case domain.PhaseComplete:
			if project.DeploymentRequested {
				return nil
			}
			tasks, err := s.store.ListTasks(ctx, projectID)
			if err != nil {
				return err
			}
			waves, err := s.store.ListWaves(ctx, projectID)
			if err != nil {
				return err
			}
			report.Actions = append(report.Actions, "request deployment")
			return s.requestDeployment(ctx, project, tasks, len(waves))
		case domain.PhaseWaveExecution:
		default:
			return nil
		}

		w, err := s.store.GetInProgressWave(ctx, projectID)
		if errors.Is(err, domain.ErrNotFound) {
			report.Actions = append(report.Actions, "advance")
			return s.advance(ctx, projectID)
		}
		if err != nil {
			return err
		}

		n, err := s.store.RequeueFailedDispatches(ctx, projectID)
		if err != nil {
			return err
		}
		if n > 0 {
			report.Actions = append(report.Actions, fmt.Sprintf("requeued %d dispatch(es)", n))
			s.logDecision(ctx, projectID, "dispatch_requeued", "resume requeued exhausted dispatches", map[string]any{
				"wave":  w.Number,
				"count": n,
			})
		}
		if w.Resolved() {
			report.Actions = append(report.Actions, fmt.Sprintf("evaluate wave %d", w.Number))
			return s.evaluateWave(ctx, projectID, w.Number, false)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if len(report.Actions) > 0 {
		s.logDecision(ctx, projectID, "project_resumed", "resume", report)
	}
	return report, nil
}

// ResumeAll resumes every executing project and every completed project
// whose deployment was never handed off.
func (s *Service) ResumeAll(ctx context.Context) error {
	var errs []error
	for _, phase := range []domain.ProjectPhase{domain.PhaseWaveExecution, domain.PhaseComplete} {
		ids, err := s.store.ListProjectsInPhase(ctx, phase)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.Resume(ctx, id); err != nil {
				s.logger.Printf("resume project=%s failed: %v", id, err)
				errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogOnce(ctx)
		}
	}
}

// watchdogOnce republishes dispatches whose agent never reported back.
func (s *Service) watchdogOnce(ctx context.Context) {
	stale, err := s.store.RequeueStaleDispatches(ctx, time.Now().UTC().Add(-s.cfg.StaleAfter))
	if err != nil {
		s.logger.Printf("watchdog requeue stale dispatches error: %v", err)
		return
	}
	for _, msg := range stale {
		s.logDecision(ctx, msg.ProjectID, "dispatch_requeued", "no completion before stale timeout", map[string]any{
			"message_id":      msg.ID,
			"task_id":         msg.TaskID,
			"idempotency_key": msg.IdempotencyKey,
			"stale_after_sec": int(s.cfg.StaleAfter.Seconds()),
		})
	}
}
