package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wavecrew/internal/domain"
	"wavecrew/internal/graph"
	"wavecrew/internal/plan"
	"wavecrew/internal/wave"
)

type CreateProjectInput struct {
	ID           string
	OwnerID      string
	OwnerContact string
	Name         string
	Goal         string
}

func (s *Service) CreateProject(ctx context.Context, in CreateProjectInput) (domain.Project, error) {
	if strings.TrimSpace(in.OwnerID) == "" || strings.TrimSpace(in.Name) == "" {
		return domain.Project{}, fmt.Errorf("create project: owner and name are required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p := domain.Project{
		ID:           in.ID,
		OwnerID:      in.OwnerID,
		OwnerContact: in.OwnerContact,
		Name:         in.Name,
		Phase:        domain.PhasePlanning,
		Plan:         domain.PlanDraft{Goal: in.Goal},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	s.logDecision(ctx, p.ID, "project_created", "project created", map[string]any{
		"owner_id": p.OwnerID,
		"name":     p.Name,
		"goal":     in.Goal,
	})
	return p, nil
}

// RecordQuestions parks a planning project until the owner answers the
// planner's clarifying questions.
func (s *Service) RecordQuestions(ctx context.Context, projectID string, questions []domain.Question) (domain.Project, error) {
	if len(questions) == 0 {
		return domain.Project{}, fmt.Errorf("record questions: no questions given")
	}
	for i, q := range questions {
		if q.ID == "" {
			questions[i].ID = fmt.Sprintf("q%d", i+1)
		}
	}
	return s.updatePlanning(ctx, projectID, "questions_recorded", func(p *domain.Project) error {
		p.Plan = domain.PlanPendingQuestions{Goal: planGoal(p.Plan), Questions: questions}
		return nil
	})
}

// AnswerQuestions records answers keyed by question ID. Once every question
// is answered the plan returns to draft with the answers as notes.
func (s *Service) AnswerQuestions(ctx context.Context, projectID string, answers map[string]string) (domain.Project, error) {
	return s.updatePlanning(ctx, projectID, "questions_answered", func(p *domain.Project) error {
		pending, ok := p.Plan.(domain.PlanPendingQuestions)
		if !ok {
			return fmt.Errorf("answer questions: plan is %s: %w", p.Plan.Kind(), ErrWrongPhase)
		}
		qs := append([]domain.Question(nil), pending.Questions...)
		for i := range qs {
			if answer, ok := answers[qs[i].ID]; ok {
				qs[i].Answer = strings.TrimSpace(answer)
			}
		}
		pending.Questions = qs
		if len(pending.Unanswered()) > 0 {
			p.Plan = pending
			return nil
		}
		var notes []string
		for _, q := range qs {
			notes = append(notes, fmt.Sprintf("Q: %s\nA: %s", q.Text, q.Answer))
		}
		p.Plan = domain.PlanDraft{Goal: pending.Goal, Notes: strings.Join(notes, "\n")}
		return nil
	})
}

// RequestConfig parks a planning project until the listed config values are
// supplied.
func (s *Service) RequestConfig(ctx context.Context, projectID string, fields []domain.ConfigField) (domain.Project, error) {
	if len(fields) == 0 {
		return domain.Project{}, fmt.Errorf("request config: no fields given")
	}
	return s.updatePlanning(ctx, projectID, "config_requested", func(p *domain.Project) error {
		p.Plan = domain.PlanPendingConfig{Goal: planGoal(p.Plan), Fields: fields}
		return nil
	})
}

func (s *Service) SubmitConfig(ctx context.Context, projectID string, values map[string]string) (domain.Project, error) {
	return s.updatePlanning(ctx, projectID, "config_submitted", func(p *domain.Project) error {
		pending, ok := p.Plan.(domain.PlanPendingConfig)
		if !ok {
			return fmt.Errorf("submit config: plan is %s: %w", p.Plan.Kind(), ErrWrongPhase)
		}
		fields := append([]domain.ConfigField(nil), pending.Fields...)
		for i := range fields {
			if v, ok := values[fields[i].Key]; ok {
				fields[i].Value = strings.TrimSpace(v)
			}
		}
		pending.Fields = fields
		if len(pending.Missing()) > 0 {
			p.Plan = pending
			return nil
		}
		var notes []string
		for _, f := range fields {
			notes = append(notes, fmt.Sprintf("%s=%s", f.Key, f.Value))
		}
		p.Plan = domain.PlanDraft{Goal: pending.Goal, Notes: strings.Join(notes, "\n")}
		return nil
	})
}

// SubmitPlan validates a generated plan and moves the project into
// plan_review with the plan frozen as the revert target.
func (s *Service) SubmitPlan(ctx context.Context, projectID string, p domain.Plan) (domain.Project, error) {
	if err := graph.Validate(p); err != nil {
		return domain.Project{}, fmt.Errorf("submit plan: %w", err)
	}
	project, err := s.store.UpdateProject(ctx, projectID, func(proj *domain.Project) error {
		if err := domain.CheckPhaseTransition(proj.Phase, domain.PhasePlanReview); err != nil || proj.Phase != domain.PhasePlanning {
			return phaseError("submit plan", *proj)
		}
		switch state := proj.Plan.(type) {
		case domain.PlanPendingQuestions:
			if len(state.Unanswered()) > 0 {
				return fmt.Errorf("submit plan: unanswered %v: %w", state.Unanswered(), ErrPlanIncomplete)
			}
		case domain.PlanPendingConfig:
			if len(state.Missing()) > 0 {
				return fmt.Errorf("submit plan: missing config %v: %w", state.Missing(), ErrPlanIncomplete)
			}
		case domain.PlanDraft, domain.PlanReady:
		}
		frozen := p.Clone()
		proj.Plan = domain.PlanReady{Plan: p.Clone()}
		proj.OriginalPlan = &frozen
		proj.PlanRevision = 1
		proj.Phase = domain.PhasePlanReview
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	s.logDecision(ctx, projectID, "plan_submitted", "plan ready for review", map[string]any{
		"tasks":  len(p.Tasks),
		"phases": p.Phases(),
	})
	return project, nil
}

// AnalyzeFeedback previews feedback against the current plan without
// persisting anything.
func (s *Service) AnalyzeFeedback(ctx context.Context, projectID string, fb plan.Feedback) (plan.Preview, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return plan.Preview{}, err
	}
	current, err := reviewablePlan("analyze feedback", project)
	if err != nil {
		return plan.Preview{}, err
	}
	preview, err := plan.Analyze(current, fb)
	if err != nil {
		return plan.Preview{}, err
	}
	s.logDecision(ctx, projectID, "feedback_analyzed", trimText(fb.Comment, 200), map[string]any{
		"changes":  preview.Changes,
		"valid":    preview.Valid,
		"problems": preview.Problems,
	})
	return preview, nil
}

func (s *Service) ApplyFeedback(ctx context.Context, projectID string, fb plan.Feedback) (domain.Project, error) {
	var changes []string
	project, err := s.store.UpdateProject(ctx, projectID, func(p *domain.Project) error {
		current, err := reviewablePlan("apply feedback", *p)
		if err != nil {
			return err
		}
		next, applied, err := plan.Apply(current, fb)
		if err != nil {
			return err
		}
		changes = applied
		p.Plan = domain.PlanReady{Plan: next}
		p.PlanRevision++
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	s.logDecision(ctx, projectID, "feedback_applied", trimText(fb.Comment, 200), map[string]any{
		"changes":  changes,
		"revision": project.PlanRevision,
	})
	return project, nil
}

// RevertPlan restores the plan exactly as first submitted.
func (s *Service) RevertPlan(ctx context.Context, projectID string) (domain.Project, error) {
	project, err := s.store.UpdateProject(ctx, projectID, func(p *domain.Project) error {
		if _, err := reviewablePlan("revert plan", *p); err != nil {
			return err
		}
		if p.OriginalPlan == nil {
			return fmt.Errorf("revert plan: project %s has no original plan: %w", p.ID, ErrWrongPhase)
		}
		p.Plan = domain.PlanReady{Plan: p.OriginalPlan.Clone()}
		p.PlanRevision++
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	s.logDecision(ctx, projectID, "plan_reverted", "plan restored to original", map[string]any{
		"revision": project.PlanRevision,
	})
	return project, nil
}

// ApprovePlan is the only way into wave_execution. Tasks are materialised
// and wave 1 is opened with its dispatches in the same transaction as the
// phase change. Structural errors and deadlocks are returned here.
func (s *Service) ApprovePlan(ctx context.Context, projectID, actor string) (domain.Project, domain.Wave, error) {
	var (
		project domain.Project
		first   domain.Wave
	)
	err := s.withProject(projectID, func() error {
		var err error
		project, err = s.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		current, err := reviewablePlan("approve plan", project)
		if err != nil {
			return err
		}
		if err := domain.CheckPhaseTransition(project.Phase, domain.PhaseWaveExecution); err != nil {
			return phaseError("approve plan", project)
		}
		if err := graph.Validate(current); err != nil {
			return fmt.Errorf("approve plan: %w", err)
		}

		tasks := materializeTasks(projectID, current)
		sel, err := wave.Build(tasks, s.cfg.MaxWaveSize, 1)
		if err != nil {
			return fmt.Errorf("approve plan: %w", err)
		}
		byID := indexTasks(tasks)
		msgs := make([]domain.Message, 0, len(sel.TaskIDs))
		for _, id := range sel.TaskIDs {
			msg, err := buildDispatch(byID[id], sel.Number, 0, byID, nil)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		first = domain.Wave{
			ProjectID:      projectID,
			Number:         sel.Number,
			MaxFixAttempts: s.cfg.MaxFixAttempts,
		}
		if err := retryBusy(func() error {
			return s.store.StartExecution(ctx, projectID, project.PlanRevision, tasks, first, sel.TaskIDs, msgs)
		}); err != nil {
			return fmt.Errorf("approve plan: %w", err)
		}

		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			ProjectID: projectID,
			Actor:     actorOr(actor),
			Action:    "plan_approved",
			Reason:    "execution started",
			Payload:   mustJSON(map[string]any{"revision": project.PlanRevision, "tasks": len(tasks)}),
		})
		s.logDecision(ctx, projectID, "wave_built", fmt.Sprintf("wave %d opened", sel.Number), map[string]any{
			"wave":  sel.Number,
			"tasks": sel.TaskIDs,
		})
		s.metrics.WaveBuilt()

		project, err = s.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		first, err = s.store.GetWave(ctx, projectID, sel.Number)
		return err
	})
	if err != nil {
		return domain.Project{}, domain.Wave{}, err
	}
	return project, first, nil
}

// AbandonPlan fails a project that is still under plan review.
func (s *Service) AbandonPlan(ctx context.Context, projectID, actor, reason string) (domain.Project, error) {
	project, err := s.store.UpdateProject(ctx, projectID, func(p *domain.Project) error {
		if p.Phase != domain.PhasePlanReview {
			return phaseError("abandon plan", *p)
		}
		if err := domain.CheckPhaseTransition(p.Phase, domain.PhaseFailed); err != nil {
			return err
		}
		p.Phase = domain.PhaseFailed
		p.LastError = "plan abandoned: " + reason
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		ProjectID: projectID,
		Actor:     actorOr(actor),
		Action:    "plan_abandoned",
		Reason:    reason,
		Payload:   mustJSON(map[string]any{"revision": project.PlanRevision}),
	})
	s.metrics.ProjectFinished(string(domain.PhaseFailed))
	return project, nil
}

func (s *Service) updatePlanning(ctx context.Context, projectID, action string, fn func(*domain.Project) error) (domain.Project, error) {
	project, err := s.store.UpdateProject(ctx, projectID, func(p *domain.Project) error {
		if p.Phase != domain.PhasePlanning {
			return phaseError(action, *p)
		}
		return fn(p)
	})
	if err != nil {
		return domain.Project{}, err
	}
	s.logDecision(ctx, projectID, action, "plan state "+string(project.Plan.Kind()), nil)
	return project, nil
}

func reviewablePlan(op string, p domain.Project) (domain.Plan, error) {
	if p.Phase != domain.PhasePlanReview {
		return domain.Plan{}, phaseError(op, p)
	}
	current, ok := domain.ReadyPlan(p.Plan)
	if !ok {
		return domain.Plan{}, fmt.Errorf("%s: plan is %s: %w", op, p.Plan.Kind(), ErrWrongPhase)
	}
	return current, nil
}

func planGoal(state domain.PlanState) string {
	switch st := state.(type) {
	case domain.PlanDraft:
		return st.Goal
	case domain.PlanPendingQuestions:
		return st.Goal
	case domain.PlanPendingConfig:
		return st.Goal
	case domain.PlanReady:
		return st.Plan.Summary
	default:
		return ""
	}
}

func materializeTasks(projectID string, p domain.Plan) []domain.Task {
	now := time.Now().UTC()
	tasks := make([]domain.Task, 0, len(p.Tasks))
	for i, pt := range p.Tasks {
		tasks = append(tasks, domain.Task{
			ID:          pt.ID,
			ProjectID:   projectID,
			AgentType:   pt.AgentType,
			Title:       pt.Title,
			Description: pt.Description,
			PhaseGroup:  pt.Phase,
			DependsOn:   append([]string(nil), pt.DependsOn...),
			Priority:    pt.Priority,
			PlanOrder:   i,
			Status:      domain.TaskStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return tasks
}

func indexTasks(tasks []domain.Task) map[string]domain.Task {
	out := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out
}

func actorOr(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return orchestratorAgentID
	}
	return actor
}
