package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wavecrew/internal/domain"
	"wavecrew/internal/quality"
)

// escalate opens the single review request a wave may have. When one is
// already open (an autofix round escalated again, or a resume) nothing new
// is created; with notify set the owner hears about it once more.
func (s *Service) escalate(ctx context.Context, w domain.Wave, res quality.Result, notify bool) error {
	active, err := s.store.GetActiveReviewRequest(ctx, w.ProjectID, w.Number)
	if err == nil {
		if !notify {
			return nil
		}
		s.logDecision(ctx, w.ProjectID, "escalation_repeated", res.Reason, map[string]any{
			"wave":      w.Number,
			"review_id": active.ID,
		})
		active.Reason = res.Reason
		if res.Priority != "" {
			active.Priority = res.Priority
		}
		s.notify(ctx, active)
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	req, err := s.openReview(ctx, w, res.Reason, res.Priority, res.CriticalDetails)
	if errors.Is(err, ErrReviewExists) {
		s.logger.Printf("escalation skipped project=%s wave=%d: %v", w.ProjectID, w.Number, err)
		return nil
	}
	if err != nil {
		return err
	}
	s.logDecision(ctx, w.ProjectID, "escalated", res.Reason, map[string]any{
		"wave":            w.Number,
		"review_id":       req.ID,
		"priority":        req.Priority,
		"critical_issues": res.CriticalDetails,
		"fix_attempts":    w.FixAttempts,
	})
	return nil
}

// EscalateWave lets an operator open a review on an in-progress wave by
// hand.
func (s *Service) EscalateWave(ctx context.Context, projectID string, number int, actor, reason string) (domain.ReviewRequest, error) {
	var req domain.ReviewRequest
	err := s.withProject(projectID, func() error {
		w, err := s.store.GetWave(ctx, projectID, number)
		if err != nil {
			return err
		}
		if w.Status != domain.WaveStatusInProgress {
			return fmt.Errorf("escalate wave %d: wave is %s: %w", number, w.Status, ErrWrongPhase)
		}
		if strings.TrimSpace(reason) == "" {
			reason = "escalated by " + actorOr(actor)
		}
		req, err = s.openReview(ctx, w, reason, domain.ReviewPriorityMedium, nil)
		if err != nil {
			return err
		}
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			ProjectID: projectID,
			Actor:     actorOr(actor),
			Action:    "escalated",
			Reason:    reason,
			Payload:   mustJSON(map[string]any{"wave": number, "review_id": req.ID}),
		})
		return nil
	})
	return req, err
}

func (s *Service) openReview(ctx context.Context, w domain.Wave, reason string, priority domain.ReviewPriority, critical []string) (domain.ReviewRequest, error) {
	if priority == "" {
		priority = domain.ReviewPriorityMedium
	}
	now := time.Now().UTC()
	req := domain.ReviewRequest{
		ID:             uuid.NewString(),
		ProjectID:      w.ProjectID,
		WaveNumber:     w.Number,
		Reason:         reason,
		Priority:       priority,
		Status:         domain.ReviewStatusPending,
		CriticalIssues: critical,
		AttemptCount:   w.FixAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := retryBusy(func() error {
		return s.store.CreateEscalation(ctx, req)
	})
	if errors.Is(err, domain.ErrConflict) {
		return domain.ReviewRequest{}, fmt.Errorf("escalate wave %d: %w", w.Number, ErrReviewExists)
	}
	if err != nil {
		return domain.ReviewRequest{}, fmt.Errorf("escalate wave %d: %w", w.Number, err)
	}
	s.metrics.Escalated(string(priority))
	s.notify(ctx, req)
	return req, nil
}

// notify tells the owner about a review request. Failures are recorded on
// the request and never undo the escalation.
func (s *Service) notify(ctx context.Context, req domain.ReviewRequest) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		s.logger.Printf("notify review=%s: load project: %v", req.ID, err)
		return
	}
	ev := domain.NotificationEvent{
		ProjectID:      req.ProjectID,
		OwnerID:        project.OwnerID,
		OwnerContact:   project.OwnerContact,
		ReviewID:       req.ID,
		WaveNumber:     req.WaveNumber,
		Priority:       req.Priority,
		Reason:         req.Reason,
		CriticalIssues: req.CriticalIssues,
		CreatedAt:      time.Now().UTC(),
	}
	sent := true
	if err := s.notifier.NotifyReviewRequested(ctx, ev); err != nil {
		sent = false
		s.logger.Printf("notify review=%s failed: %v", req.ID, err)
		s.logDecision(ctx, req.ProjectID, "notification_failed", trimText(err.Error(), 500), map[string]any{
			"review_id": req.ID,
			"wave":      req.WaveNumber,
		})
		s.metrics.Notification("failed")
	} else {
		s.metrics.Notification("sent")
	}
	if err := s.store.SetNotificationSent(ctx, req.ID, sent); err != nil {
		s.logger.Printf("record notification review=%s: %v", req.ID, err)
	}
}

type ReviewActionInput struct {
	ProjectID  string              `json:"project_id"`
	WaveNumber int                 `json:"wave_number"`
	Action     domain.ReviewAction `json:"action"`
	Actor      string              `json:"actor"`
	Notes      string              `json:"notes,omitempty"`
	Assignee   string              `json:"assignee,omitempty"`
}

type ReviewActionResult struct {
	Request domain.ReviewRequest `json:"request"`
	Wave    domain.Wave          `json:"wave"`
	Phase   domain.ProjectPhase  `json:"phase"`
}

// ReviewAction applies a human decision to the open review request of a
// wave. Follow-up work (next wave, deployment, fix round) runs before it
// returns; a deadlock found while building the next wave is returned along
// with the result.
func (s *Service) ReviewAction(ctx context.Context, in ReviewActionInput) (ReviewActionResult, error) {
	if strings.TrimSpace(in.Actor) == "" {
		return ReviewActionResult{}, fmt.Errorf("review action: actor is required")
	}
	var (
		result   ReviewActionResult
		followUp error
	)
	err := s.withProject(in.ProjectID, func() error {
		req, err := s.store.GetActiveReviewRequest(ctx, in.ProjectID, in.WaveNumber)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("review wave %d: %w", in.WaveNumber, ErrReviewNotFound)
		}
		if err != nil {
			return err
		}
		next, err := domain.NextReviewStatus(req.Status, in.Action)
		if err != nil {
			return err
		}
		w, err := s.store.GetWave(ctx, in.ProjectID, in.WaveNumber)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updated := req
		updated.Status = next
		updated.Notes = append(append([]domain.ReviewNote(nil), req.Notes...), domain.ReviewNote{
			Actor:     in.Actor,
			Action:    in.Action,
			Text:      in.Notes,
			CreatedAt: now,
		})
		upd := domain.ReviewUpdate{Request: updated, ExpectStatus: req.Status}

		switch in.Action {
		case domain.ReviewActionApprove:
			if !w.Resolved() {
				return fmt.Errorf("approve wave %d: %w", w.Number, ErrWaveInFlight)
			}
			upd.Request.Resolution = domain.ResolutionApprovedByHuman
			upd.Request.ResolvedAt = &now
			upd.WaveStatus = domain.WaveStatusCompleted
			upd.ClearReviewFlag = true
		case domain.ReviewActionReject:
			upd.Request.Resolution = domain.ResolutionRejectedByHuman
			upd.Request.ResolvedAt = &now
			upd.WaveStatus = domain.WaveStatusFailed
			upd.ClearReviewFlag = true
			upd.ProjectPhase = domain.PhaseFailed
			upd.ProjectError = fmt.Sprintf("wave %d rejected by %s", w.Number, in.Actor)
			if in.Notes != "" {
				upd.ProjectError += ": " + in.Notes
			}
		case domain.ReviewActionRetryAutofix:
			if !w.Resolved() {
				return fmt.Errorf("retry autofix on wave %d: %w", w.Number, ErrWaveInFlight)
			}
			if w.AutofixRetries >= s.cfg.MaxAutofixRetries {
				return fmt.Errorf("retry autofix on wave %d (%d used): %w", w.Number, w.AutofixRetries, ErrAutofixExhausted)
			}
			upd.GrantFixAttempts = s.autofixGrant()
			upd.AutofixLimit = s.cfg.MaxAutofixRetries
		case domain.ReviewActionAssign:
			upd.Request.Assignee = in.Assignee
			if upd.Request.Assignee == "" {
				upd.Request.Assignee = in.Actor
			}
		case domain.ReviewActionCancel:
			upd.ClearReviewFlag = true
		case domain.ReviewActionRequestChanges:
		}

		err = retryBusy(func() error {
			return s.store.ApplyReviewUpdate(ctx, upd)
		})
		if errors.Is(err, domain.ErrConflict) && in.Action == domain.ReviewActionRetryAutofix {
			return fmt.Errorf("retry autofix on wave %d: %w", w.Number, ErrAutofixExhausted)
		}
		if err != nil {
			return fmt.Errorf("apply review %s: %w", in.Action, err)
		}
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			ProjectID: in.ProjectID,
			Actor:     in.Actor,
			Action:    "review_" + string(in.Action),
			Reason:    in.Notes,
			Payload: mustJSON(map[string]any{
				"review_id": req.ID,
				"wave":      in.WaveNumber,
				"from":      req.Status,
				"to":        next,
				"assignee":  upd.Request.Assignee,
			}),
		})
		s.metrics.ReviewAction(string(in.Action))

		switch in.Action {
		case domain.ReviewActionApprove:
			followUp = s.advance(ctx, in.ProjectID)
		case domain.ReviewActionReject:
			s.metrics.ProjectFinished(string(domain.PhaseFailed))
		case domain.ReviewActionRetryAutofix:
			followUp = s.retryAutofix(ctx, in.ProjectID, in.WaveNumber)
		}

		if result.Request, err = s.store.GetReviewRequest(ctx, req.ID); err != nil {
			return err
		}
		if result.Wave, err = s.store.GetWave(ctx, in.ProjectID, in.WaveNumber); err != nil {
			return err
		}
		project, err := s.store.GetProject(ctx, in.ProjectID)
		if err != nil {
			return err
		}
		result.Phase = project.Phase
		return nil
	})
	if err != nil {
		return ReviewActionResult{}, err
	}
	return result, followUp
}

// autofixGrant is the number of fix attempts one autofix retry adds on top
// of those the wave has already used.
func (s *Service) autofixGrant() int {
	if n := s.cfg.ExtendedFixAttempts - s.cfg.MaxFixAttempts; n > 0 {
		return n
	}
	return 1
}

// retryAutofix starts a fix round on an escalated wave under its extended
// budget. Critical findings are sent back for fixing like any other issue.
func (s *Service) retryAutofix(ctx context.Context, projectID string, number int) error {
	w, err := s.store.GetWave(ctx, projectID, number)
	if err != nil {
		return err
	}
	tasks, err := s.store.ListWaveTasks(ctx, projectID, number)
	if err != nil {
		return err
	}
	res := s.gate.Classify(w, tasks)
	res.Reason = "autofix retry: " + res.Reason
	return s.runFixLoop(ctx, w, res)
}
