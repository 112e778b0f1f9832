package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"wavecrew/internal/domain"
)

func TestStartExecutionOpensFirstWave(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)

	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.Phase != domain.PhaseWaveExecution || !project.PlanApproved {
		t.Fatalf("expected approved executing project, got phase=%s approved=%v", project.Phase, project.PlanApproved)
	}
	if _, ok := domain.ReadyPlan(project.Plan); !ok {
		t.Fatalf("expected ready plan to survive round trip, got %T", project.Plan)
	}

	tasks, err := store.ListTasks(ctx, projectID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for _, task := range tasks[:2] {
		if task.Status != domain.TaskStatusInProgress || !task.InWave(1) {
			t.Fatalf("task %s: expected in_progress in wave 1, got %s wave=%v", task.ID, task.Status, task.WaveNumber)
		}
	}
	if tasks[2].Status != domain.TaskStatusPending || tasks[2].WaveNumber != nil {
		t.Fatalf("expected c unassigned and pending, got %s", tasks[2].Status)
	}
	if got := tasks[2].DependsOn; len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected c to depend on a, got %v", got)
	}

	w, err := store.GetInProgressWave(ctx, projectID)
	if err != nil {
		t.Fatalf("get in-progress wave: %v", err)
	}
	if w.Number != 1 || w.TaskCount != 2 || w.MaxFixAttempts != 3 {
		t.Fatalf("unexpected wave: %+v", w)
	}

	msgs, err := store.ListDispatchableMessages(ctx, 10, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 dispatch messages, got %d", len(msgs))
	}
}

func TestStartExecutionRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := createReviewProject(t, store)
	err := store.StartExecution(ctx, projectID, 7, planTasks(projectID), domain.Wave{ProjectID: projectID, Number: 1, MaxFixAttempts: 3}, []string{"a"}, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for stale revision, got %v", err)
	}
	tasks, err := store.ListTasks(ctx, projectID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks after rolled back approval, got %d", len(tasks))
	}
}

func TestOnlyOneWaveInProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	err := store.CreateWave(ctx, domain.Wave{ProjectID: projectID, Number: 2, MaxFixAttempts: 3}, nil, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for second in-progress wave, got %v", err)
	}
	waves, err := store.ListWaves(ctx, projectID)
	if err != nil {
		t.Fatalf("list waves: %v", err)
	}
	if len(waves) != 1 {
		t.Fatalf("expected a single wave, got %d", len(waves))
	}
}

func TestRecordCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	score := 88
	ev := domain.CompletionEvent{ProjectID: projectID, TaskID: "a", WaveNumber: 1, Status: domain.TaskStatusCompleted, Score: &score, OutputRef: "commit:1"}

	first, err := store.RecordCompletion(ctx, ev)
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if !first.Applied || first.Resolved {
		t.Fatalf("expected applied, unresolved first completion: %+v", first)
	}
	second, err := store.RecordCompletion(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}
	if second.Applied {
		t.Fatalf("expected duplicate completion to be ignored")
	}
	if second.Wave.CompletedCount != 1 {
		t.Fatalf("expected completed count 1 after duplicate, got %d", second.Wave.CompletedCount)
	}

	stale := ev
	stale.TaskID = "b"
	stale.Attempt = 4
	out, err := store.RecordCompletion(ctx, stale)
	if err != nil {
		t.Fatalf("stale completion: %v", err)
	}
	if out.Applied {
		t.Fatalf("expected wrong-attempt completion to be ignored")
	}

	last, err := store.RecordCompletion(ctx, domain.CompletionEvent{ProjectID: projectID, TaskID: "b", WaveNumber: 1, Status: domain.TaskStatusFailed, Error: "boom"})
	if err != nil {
		t.Fatalf("closing completion: %v", err)
	}
	if !last.Applied || !last.Resolved {
		t.Fatalf("expected closing completion to resolve wave: %+v", last)
	}
	if last.Wave.CompletedCount != 1 || last.Wave.FailedCount != 1 {
		t.Fatalf("unexpected counters: %+v", last.Wave)
	}
	if last.Task.LastError != "boom" {
		t.Fatalf("expected failure reason stored, got %q", last.Task.LastError)
	}

	if _, err := store.RecordCompletion(ctx, domain.CompletionEvent{ProjectID: projectID, TaskID: "a", WaveNumber: 1, Status: domain.TaskStatusInProgress}); err == nil {
		t.Fatalf("expected non-terminal completion status to be rejected")
	}
}

func TestResetTasksForFixGuardsAttemptCounter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	completeTask(t, store, projectID, "a", 0, domain.TaskStatusCompleted)
	completeTask(t, store, projectID, "b", 0, domain.TaskStatusFailed)

	w, err := store.ResetTasksForFix(ctx, projectID, 1, 0, []domain.Message{dispatchMsg(projectID, "b", 1, 1)})
	if err != nil {
		t.Fatalf("reset for fix: %v", err)
	}
	if w.FixAttempts != 1 || w.FailedCount != 0 || w.CompletedCount != 1 {
		t.Fatalf("unexpected wave after reset: %+v", w)
	}
	task, err := store.GetTask(ctx, projectID, "b")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskStatusInProgress || task.FixAttempts != 1 || !task.InWave(1) {
		t.Fatalf("expected b redispatched in wave 1 at attempt 1, got %+v", task)
	}

	if _, err := store.ResetTasksForFix(ctx, projectID, 1, 0, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale fix attempt counter, got %v", err)
	}

	out, err := store.RecordCompletion(ctx, domain.CompletionEvent{ProjectID: projectID, TaskID: "b", WaveNumber: 1, Attempt: 1, Status: domain.TaskStatusCompleted})
	if err != nil {
		t.Fatalf("fixed completion: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("expected fixed completion to resolve the wave again")
	}
}

func TestResetTasksForFixRespectsBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	for attempt := 0; attempt < 3; attempt++ {
		completeTask(t, store, projectID, "a", attempt, domain.TaskStatusFailed)
		if attempt == 0 {
			completeTask(t, store, projectID, "b", 0, domain.TaskStatusCompleted)
		}
		if _, err := store.ResetTasksForFix(ctx, projectID, 1, attempt, []domain.Message{dispatchMsg(projectID, "a", 1, attempt+1)}); err != nil {
			t.Fatalf("reset attempt %d: %v", attempt, err)
		}
	}
	completeTask(t, store, projectID, "a", 3, domain.TaskStatusFailed)
	if _, err := store.ResetTasksForFix(ctx, projectID, 1, 3, []domain.Message{dispatchMsg(projectID, "a", 1, 4)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected budget exhaustion conflict, got %v", err)
	}
}

func TestEscalationIsUniquePerWave(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	req := domain.ReviewRequest{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		WaveNumber:     1,
		Reason:         "critical issue",
		Priority:       domain.ReviewPriorityCritical,
		CriticalIssues: []string{"a: sql injection"},
	}
	if err := store.CreateEscalation(ctx, req); err != nil {
		t.Fatalf("create escalation: %v", err)
	}
	dup := req
	dup.ID = uuid.NewString()
	if err := store.CreateEscalation(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for second active review, got %v", err)
	}

	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if !project.HumanReviewRequired {
		t.Fatalf("expected review flag set")
	}
	w, err := store.GetWave(ctx, projectID, 1)
	if err != nil {
		t.Fatalf("get wave: %v", err)
	}
	if !w.EscalatedToHuman {
		t.Fatalf("expected wave escalated")
	}

	active, err := store.GetActiveReviewRequest(ctx, projectID, 1)
	if err != nil {
		t.Fatalf("get active review: %v", err)
	}
	active.Status = domain.ReviewStatusCancelled
	if err := store.ApplyReviewUpdate(ctx, domain.ReviewUpdate{Request: active, ExpectStatus: domain.ReviewStatusPending}); err != nil {
		t.Fatalf("cancel review: %v", err)
	}
	if _, err := store.GetActiveReviewRequest(ctx, projectID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active review after cancel, got %v", err)
	}
	if err := store.CreateEscalation(ctx, dup); err != nil {
		t.Fatalf("expected fresh review after cancel: %v", err)
	}
	if err := store.ApplyReviewUpdate(ctx, domain.ReviewUpdate{Request: active, ExpectStatus: domain.ReviewStatusPending}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict updating a cancelled request, got %v", err)
	}
}

func TestApplyReviewUpdateLimitsAutofix(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	req := domain.ReviewRequest{ID: uuid.NewString(), ProjectID: projectID, WaveNumber: 1, Reason: "budget", Priority: domain.ReviewPriorityMedium}
	if err := store.CreateEscalation(ctx, req); err != nil {
		t.Fatalf("create escalation: %v", err)
	}
	req.Status = domain.ReviewStatusInReview
	upd := domain.ReviewUpdate{Request: req, ExpectStatus: domain.ReviewStatusPending, GrantFixAttempts: 10, AutofixLimit: 1}
	if err := store.ApplyReviewUpdate(ctx, upd); err != nil {
		t.Fatalf("first autofix: %v", err)
	}
	w, err := store.GetWave(ctx, projectID, 1)
	if err != nil {
		t.Fatalf("get wave: %v", err)
	}
	if w.MaxFixAttempts != 10 || w.AutofixRetries != 1 {
		t.Fatalf("expected extended budget, got %+v", w)
	}
	upd.ExpectStatus = domain.ReviewStatusInReview
	if err := store.ApplyReviewUpdate(ctx, upd); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected autofix limit conflict, got %v", err)
	}
	got, err := store.GetReviewRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if got.Status != domain.ReviewStatusInReview {
		t.Fatalf("expected rolled back update to keep in_review, got %s", got.Status)
	}
}

func TestOutboxClaimRetryAndRequeue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	now := time.Now().UTC().Add(time.Second)
	msgs, err := store.ListDispatchableMessages(ctx, 10, now)
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	msg := msgs[0]

	claimed, err := store.ClaimMessage(ctx, msg.ID, now, now.Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim message: claimed=%v err=%v", claimed, err)
	}
	again, err := store.ClaimMessage(ctx, msg.ID, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again {
		t.Fatalf("expected second claim to lose")
	}

	expired, err := store.ListExpiredClaims(ctx, 10, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("list expired claims: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != msg.ID {
		t.Fatalf("expected the claimed message to expire, got %d", len(expired))
	}

	retry, err := store.MarkMessageForRetry(ctx, msg.ID, "nats down", now, 2)
	if err != nil || !retry {
		t.Fatalf("first retry: retry=%v err=%v", retry, err)
	}
	retry, err = store.MarkMessageForRetry(ctx, msg.ID, "nats down", now, 2)
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if retry {
		t.Fatalf("expected message to be failed after retry budget")
	}

	n, err := store.RequeueFailedDispatches(ctx, projectID)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued dispatch, got %d", n)
	}

	claimed, err = store.ClaimMessage(ctx, msg.ID, now, now.Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("reclaim message: claimed=%v err=%v", claimed, err)
	}
	delivered, err := store.MarkMessageDelivered(ctx, msg.ID)
	if err != nil || !delivered {
		t.Fatalf("mark delivered: delivered=%v err=%v", delivered, err)
	}
	stale, err := store.RequeueStaleDispatches(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != msg.ID {
		t.Fatalf("expected delivered dispatch to be requeued as stale, got %d", len(stale))
	}
}

func TestDispatchIdempotencyKeySkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	completeTask(t, store, projectID, "a", 0, domain.TaskStatusCompleted)
	completeTask(t, store, projectID, "b", 0, domain.TaskStatusCompleted)
	if _, err := store.CloseWave(ctx, projectID, 1, domain.WaveStatusCompleted); err != nil {
		t.Fatalf("close wave: %v", err)
	}
	dup := dispatchMsg(projectID, "c", 2, 0)
	dup.IdempotencyKey = "dispatch-a-w1-a0"
	if err := store.CreateWave(ctx, domain.Wave{ProjectID: projectID, Number: 2, MaxFixAttempts: 3}, []string{"c"}, []domain.Message{dup}); err != nil {
		t.Fatalf("create wave 2: %v", err)
	}
	msgs, err := store.ListProjectMessages(ctx, projectID, 10)
	if err != nil {
		t.Fatalf("list project messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected duplicate idempotency key to be skipped, got %d messages", len(msgs))
	}
}

func TestDecisionLogOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := createReviewProject(t, store)
	for _, action := range []string{"plan_submitted", "plan_approved"} {
		if err := store.LogDecision(ctx, domain.DecisionLog{ProjectID: projectID, Actor: "orchestrator", Action: action, Reason: action}); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}
	items, err := store.ListDecisions(ctx, projectID, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(items) != 2 || items[0].Action != "plan_approved" {
		t.Fatalf("expected newest decision first, got %+v", items)
	}
}

func planTasks(projectID string) []domain.Task {
	return []domain.Task{
		{ProjectID: projectID, ID: "a", AgentType: domain.AgentDatabase, Title: "schema", Priority: 1, PlanOrder: 0},
		{ProjectID: projectID, ID: "b", AgentType: domain.AgentBackend, Title: "api", Priority: 1, PlanOrder: 1},
		{ProjectID: projectID, ID: "c", AgentType: domain.AgentFrontend, Title: "ui", Priority: 2, PlanOrder: 2, DependsOn: []string{"a"}},
	}
}

func createReviewProject(t *testing.T, store *Store) string {
	t.Helper()
	projectID := uuid.NewString()
	plan := domain.Plan{Tasks: []domain.PlanTask{
		{ID: "a", Title: "schema", AgentType: domain.AgentDatabase, Priority: 1},
		{ID: "b", Title: "api", AgentType: domain.AgentBackend, Priority: 1},
		{ID: "c", Title: "ui", AgentType: domain.AgentFrontend, Priority: 2, DependsOn: []string{"a"}},
	}}
	original := plan.Clone()
	if err := store.CreateProject(context.Background(), domain.Project{
		ID:           projectID,
		OwnerID:      "owner-1",
		Name:         "shop",
		Phase:        domain.PhasePlanReview,
		Plan:         domain.PlanReady{Plan: plan},
		OriginalPlan: &original,
		PlanRevision: 1,
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return projectID
}

func seedExecution(t *testing.T, store *Store) string {
	t.Helper()
	projectID := createReviewProject(t, store)
	msgs := []domain.Message{dispatchMsg(projectID, "a", 1, 0), dispatchMsg(projectID, "b", 1, 0)}
	if err := store.StartExecution(
		context.Background(), projectID, 1, planTasks(projectID),
		domain.Wave{ProjectID: projectID, Number: 1, MaxFixAttempts: 3}, []string{"a", "b"}, msgs,
	); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	return projectID
}

func dispatchMsg(projectID, taskID string, wave, attempt int) domain.Message {
	return domain.Message{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		TaskID:         taskID,
		Kind:           domain.MessageKindDispatch,
		Target:         "backend",
		Payload:        []byte(`{}`),
		IdempotencyKey: fmt.Sprintf("dispatch-%s-w%d-a%d", taskID, wave, attempt),
	}
}

func completeTask(t *testing.T, store *Store, projectID, taskID string, attempt int, status domain.TaskStatus) {
	t.Helper()
	out, err := store.RecordCompletion(context.Background(), domain.CompletionEvent{
		ProjectID: projectID, TaskID: taskID, WaveNumber: 1, Attempt: attempt, Status: status,
	})
	if err != nil {
		t.Fatalf("complete %s: %v", taskID, err)
	}
	if !out.Applied {
		t.Fatalf("expected completion of %s at attempt %d to apply", taskID, attempt)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func TestIsBusy(t *testing.T) {
	if IsBusy(nil) {
		t.Fatal("nil error must not be busy")
	}
	if !IsBusy(fmt.Errorf("record completion: %w", errors.New("database is locked (5) (SQLITE_BUSY)"))) {
		t.Fatal("expected locked database to be busy")
	}
	if IsBusy(errors.New("no such table: tasks")) {
		t.Fatal("schema error must not be busy")
	}
}

func TestNegativeCriticalCountViolatesCheck(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	projectID := seedExecution(t, store)
	_, err := store.db.ExecContext(ctx, `UPDATE tasks SET critical_issues = -1 WHERE project_id = ?`, projectID)
	if err == nil || !errors.Is(constraintErr("update tasks", err), ErrConflict) {
		t.Fatalf("expected check constraint violation, got %v", err)
	}
}
