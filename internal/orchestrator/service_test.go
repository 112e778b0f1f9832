package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavecrew/internal/domain"
	"wavecrew/internal/graph"
	"wavecrew/internal/plan"
	sqlitestore "wavecrew/internal/store/sqlite"
	"wavecrew/internal/wave"
)

type recordingTransport struct {
	mu   sync.Mutex
	msgs []domain.Message
	fail error
}

func (r *recordingTransport) Publish(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingTransport) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recordingTransport) take() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type recordingNotifier struct {
	mu          sync.Mutex
	reviews     []domain.NotificationEvent
	deployments []domain.DeploymentEvent
	fail        error
}

func (n *recordingNotifier) NotifyReviewRequested(_ context.Context, ev domain.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.reviews = append(n.reviews, ev)
	return nil
}

func (n *recordingNotifier) RequestDeployment(_ context.Context, ev domain.DeploymentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deployments = append(n.deployments, ev)
	return nil
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reviews), len(n.deployments)
}

type harness struct {
	svc       *Service
	store     *sqlitestore.Store
	transport *recordingTransport
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	h := &harness{
		store:     store,
		transport: &recordingTransport{},
		notifier:  &recordingNotifier{},
	}
	h.svc = New(store, h.transport, h.notifier, h.notifier, cfg, log.New(io.Discard, "", 0))
	return h
}

// relay publishes everything due and returns the dispatches, ordered by
// task ID.
func (h *harness) relay(t *testing.T) []domain.DispatchEvent {
	t.Helper()
	require.NoError(t, h.svc.relayOnce(context.Background()))
	var out []domain.DispatchEvent
	for _, msg := range h.transport.take() {
		var ev domain.DispatchEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		require.Equal(t, DispatchKey(ev.TaskID, ev.WaveNumber, ev.Attempt), msg.IdempotencyKey)
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (h *harness) complete(t *testing.T, ev domain.DispatchEvent, score, critical int) domain.CompletionOutcome {
	t.Helper()
	out, err := h.svc.HandleCompletion(context.Background(), completion(ev, domain.TaskStatusCompleted, score, critical))
	require.NoError(t, err)
	return out
}

func completion(ev domain.DispatchEvent, status domain.TaskStatus, score, critical int) domain.CompletionEvent {
	c := domain.CompletionEvent{
		ProjectID:      ev.ProjectID,
		TaskID:         ev.TaskID,
		WaveNumber:     ev.WaveNumber,
		Attempt:        ev.Attempt,
		Status:         status,
		Score:          &score,
		CriticalIssues: &critical,
		OutputRef:      "out/" + ev.TaskID,
	}
	if critical > 0 {
		c.RemainingIssues = []string{"sql injection in handler"}
	}
	if status == domain.TaskStatusFailed {
		c.Error = "agent crashed"
	}
	return c
}

// approved creates a project, submits p and approves it.
func (h *harness) approved(t *testing.T, p domain.Plan) string {
	t.Helper()
	ctx := context.Background()
	project, err := h.svc.CreateProject(ctx, CreateProjectInput{OwnerID: "owner-1", Name: "shop", Goal: "build a shop"})
	require.NoError(t, err)
	_, err = h.svc.SubmitPlan(ctx, project.ID, p)
	require.NoError(t, err)
	_, first, err := h.svc.ApprovePlan(ctx, project.ID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 1, first.Number)
	return project.ID
}

func chainPlan() domain.Plan {
	return domain.Plan{Summary: "shop", Tasks: []domain.PlanTask{
		{ID: "schema", Title: "Schema", AgentType: domain.AgentDatabase, Priority: 1},
		{ID: "api", Title: "API", AgentType: domain.AgentBackend, Priority: 1, DependsOn: []string{"schema"}},
		{ID: "ui", Title: "UI", AgentType: domain.AgentFrontend, Priority: 2},
		{ID: "e2e", Title: "E2E", AgentType: domain.AgentTesting, Priority: 3, DependsOn: []string{"api", "ui"}},
	}}
}

func singlePlan() domain.Plan {
	return domain.Plan{Tasks: []domain.PlanTask{
		{ID: "api", Title: "API", AgentType: domain.AgentBackend, Priority: 1},
	}}
}

func taskIDs(evs []domain.DispatchEvent) []string {
	ids := make([]string, 0, len(evs))
	for _, ev := range evs {
		ids = append(ids, ev.TaskID)
	}
	return ids
}

func TestHappyPathRunsWavesInTopologicalOrder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, chainPlan())

	wave1 := h.relay(t)
	assert.Equal(t, []string{"schema", "ui"}, taskIDs(wave1))
	for _, ev := range wave1 {
		assert.Equal(t, 1, ev.WaveNumber)
		assert.Equal(t, 0, ev.Attempt)
		h.complete(t, ev, 90, 0)
	}

	wave2 := h.relay(t)
	require.Equal(t, []string{"api"}, taskIDs(wave2))
	require.Len(t, wave2[0].TaskInput.Dependencies, 1)
	assert.Equal(t, "out/schema", wave2[0].TaskInput.Dependencies[0].OutputRef)
	h.complete(t, wave2[0], 80, 0)

	wave3 := h.relay(t)
	require.Equal(t, []string{"e2e"}, taskIDs(wave3))
	assert.Equal(t, 3, wave3[0].WaveNumber)
	h.complete(t, wave3[0], 75, 0)

	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, project.Phase)
	assert.True(t, project.DeploymentRequested)
	_, deployments := h.notifier.counts()
	assert.Equal(t, 1, deployments)

	// every task ran in a later wave than each of its dependencies
	tasks, err := h.svc.ListTasks(ctx, projectID)
	require.NoError(t, err)
	waveOf := map[string]int{}
	for _, task := range tasks {
		require.NotNil(t, task.WaveNumber)
		waveOf[task.ID] = *task.WaveNumber
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			assert.Less(t, waveOf[dep], waveOf[task.ID], "%s before %s", dep, task.ID)
		}
	}

	waves, err := h.svc.ListWaves(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	for _, w := range waves {
		assert.Equal(t, domain.WaveStatusCompleted, w.Status)
	}
}

func TestAtMostOneWaveInProgress(t *testing.T) {
	h := newHarness(t, Config{MaxWaveSize: 1})
	ctx := context.Background()
	projectID := h.approved(t, chainPlan())

	for i := 0; i < 4; i++ {
		evs := h.relay(t)
		require.Len(t, evs, 1)
		waves, err := h.svc.ListWaves(ctx, projectID)
		require.NoError(t, err)
		inProgress := 0
		for _, w := range waves {
			if w.Status == domain.WaveStatusInProgress {
				inProgress++
			}
		}
		assert.Equal(t, 1, inProgress)
		h.complete(t, evs[0], 95, 0)
	}
	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, project.Phase)
}

func TestFixLoopRedispatchesWithContext(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	first := h.relay(t)
	require.Len(t, first, 1)
	h.complete(t, first[0], 50, 0)

	retry := h.relay(t)
	require.Len(t, retry, 1)
	assert.Equal(t, 1, retry[0].Attempt)
	assert.Equal(t, 1, retry[0].WaveNumber)
	assert.Contains(t, retry[0].TaskInput.FixContext, "review score 50 below threshold 70")

	w, err := h.svc.GetWave(ctx, projectID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, w.FixAttempts)
	assert.Equal(t, 0, w.CompletedCount)

	h.complete(t, retry[0], 85, 0)
	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, project.Phase)
}

func TestFixBudgetExhaustionEscalatesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	var last domain.DispatchEvent
	for attempt := 0; attempt <= 3; attempt++ {
		evs := h.relay(t)
		require.Len(t, evs, 1, "attempt %d", attempt)
		require.Equal(t, attempt, evs[0].Attempt)
		last = evs[0]
		h.complete(t, last, 40, 0)
	}
	assert.Empty(t, h.relay(t))

	w, err := h.svc.GetWave(ctx, projectID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, w.FixAttempts)
	assert.True(t, w.EscalatedToHuman)
	assert.Equal(t, domain.WaveStatusInProgress, w.Status)

	// a redelivered final completion changes nothing
	out := h.complete(t, last, 40, 0)
	assert.False(t, out.Applied)

	reviews, err := h.svc.ListReviewRequests(ctx, projectID, false, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, domain.ReviewPriorityMedium, reviews[0].Priority)
	assert.Equal(t, 3, reviews[0].AttemptCount)
	assert.True(t, reviews[0].NotificationSent)

	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, project.HumanReviewRequired)
	notified, _ := h.notifier.counts()
	assert.Equal(t, 1, notified)
}

func TestCriticalIssueEscalatesThenApproveDeploys(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	evs := h.relay(t)
	h.complete(t, evs[0], 95, 1)

	reviews, err := h.svc.ListReviewRequests(ctx, projectID, true, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, domain.ReviewPriorityCritical, reviews[0].Priority)
	assert.Equal(t, []string{"api: sql injection in handler"}, reviews[0].CriticalIssues)
	w, err := h.svc.GetWave(ctx, projectID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, w.FixAttempts)

	res, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionApprove, Actor: "owner-1", Notes: "false positive",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusResolved, res.Request.Status)
	assert.Equal(t, domain.ResolutionApprovedByHuman, res.Request.Resolution)
	assert.Equal(t, domain.WaveStatusCompleted, res.Wave.Status)
	assert.Equal(t, domain.PhaseComplete, res.Phase)
	assert.Empty(t, h.relay(t))

	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, project.HumanReviewRequired)
	assert.True(t, project.DeploymentRequested)
}

func TestRejectFailsProjectWithNotes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, chainPlan())

	evs := h.relay(t)
	h.complete(t, evs[0], 90, 2)
	h.complete(t, evs[1], 90, 0)

	res, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionReject, Actor: "owner-1", Notes: "wrong database",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionRejectedByHuman, res.Request.Resolution)
	assert.Equal(t, domain.WaveStatusFailed, res.Wave.Status)
	assert.Equal(t, domain.PhaseFailed, res.Phase)

	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Contains(t, project.LastError, "wrong database")
	assert.Empty(t, h.relay(t))

	_, err = h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionApprove, Actor: "owner-1",
	})
	assert.ErrorIs(t, err, ErrReviewNotFound)
}

func TestRetryAutofixResolvesReview(t *testing.T) {
	h := newHarness(t, Config{MaxFixAttempts: 1, ExtendedFixAttempts: 2, MaxAutofixRetries: 1})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	h.complete(t, h.relay(t)[0], 40, 0)
	h.complete(t, h.relay(t)[0], 40, 0)
	reviews, err := h.svc.ListReviewRequests(ctx, projectID, true, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)

	res, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionRetryAutofix, Actor: "owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusInReview, res.Request.Status)
	assert.Equal(t, 2, res.Wave.MaxFixAttempts)
	assert.Equal(t, 2, res.Wave.FixAttempts)
	assert.Equal(t, 1, res.Wave.AutofixRetries)

	evs := h.relay(t)
	require.Len(t, evs, 1)
	assert.Equal(t, 2, evs[0].Attempt)
	h.complete(t, evs[0], 92, 0)

	req, err := h.svc.GetReviewRequest(ctx, reviews[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusResolved, req.Status)
	assert.Equal(t, domain.ResolutionResolvedByAutofix, req.Resolution)
	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, project.Phase)
	assert.False(t, project.HumanReviewRequired)
}

func TestRetryAutofixIsBounded(t *testing.T) {
	h := newHarness(t, Config{MaxFixAttempts: 1, ExtendedFixAttempts: 2, MaxAutofixRetries: 1})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	h.complete(t, h.relay(t)[0], 40, 0)
	h.complete(t, h.relay(t)[0], 40, 0)
	_, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionRetryAutofix, Actor: "owner-1",
	})
	require.NoError(t, err)
	h.complete(t, h.relay(t)[0], 40, 0)

	// the autofix round escalated again: same request, owner notified twice
	reviews, err := h.svc.ListReviewRequests(ctx, projectID, false, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, domain.ReviewStatusInReview, reviews[0].Status)
	notified, _ := h.notifier.counts()
	assert.Equal(t, 2, notified)

	_, err = h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionRetryAutofix, Actor: "owner-1",
	})
	assert.ErrorIs(t, err, ErrAutofixExhausted)
}

func TestApproveWithFailedDependencyDeadlocks(t *testing.T) {
	h := newHarness(t, Config{MaxFixAttempts: 1})
	ctx := context.Background()
	projectID := h.approved(t, domain.Plan{Tasks: []domain.PlanTask{
		{ID: "schema", Title: "Schema", AgentType: domain.AgentDatabase},
		{ID: "api", Title: "API", AgentType: domain.AgentBackend, DependsOn: []string{"schema"}},
	}})

	for i := 0; i < 2; i++ {
		evs := h.relay(t)
		require.Len(t, evs, 1)
		_, err := h.svc.HandleCompletion(ctx, completion(evs[0], domain.TaskStatusFailed, 0, 0))
		require.NoError(t, err)
	}
	reviews, err := h.svc.ListReviewRequests(ctx, projectID, true, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, domain.ReviewPriorityHigh, reviews[0].Priority)

	res, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionApprove, Actor: "owner-1",
	})
	require.ErrorIs(t, err, wave.ErrDeadlock)
	assert.Equal(t, domain.PhaseFailed, res.Phase)
	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Contains(t, project.LastError, "api")
}

func TestCompletionIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, chainPlan())

	evs := h.relay(t)
	first := h.complete(t, evs[0], 90, 0)
	assert.True(t, first.Applied)
	assert.False(t, first.Resolved)
	dup := h.complete(t, evs[0], 10, 3)
	assert.False(t, dup.Applied)

	stale := evs[1]
	stale.Attempt = 7
	out := h.complete(t, stale, 90, 0)
	assert.False(t, out.Applied)

	resolved := h.complete(t, evs[1], 90, 0)
	assert.True(t, resolved.Resolved)
	again := h.complete(t, evs[1], 90, 0)
	assert.False(t, again.Applied)

	waves, err := h.svc.ListWaves(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, waves, 2)
	task, err := h.store.GetTask(ctx, projectID, evs[0].TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.ReviewScore)
	assert.Equal(t, 90, *task.ReviewScore)
}

func TestSubmitAndApproveGuards(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	project, err := h.svc.CreateProject(ctx, CreateProjectInput{OwnerID: "o", Name: "n"})
	require.NoError(t, err)

	_, _, err = h.svc.ApprovePlan(ctx, project.ID, "o")
	assert.ErrorIs(t, err, ErrWrongPhase)

	cyclic := domain.Plan{Tasks: []domain.PlanTask{
		{ID: "a", Title: "A", AgentType: domain.AgentBackend, DependsOn: []string{"b"}},
		{ID: "b", Title: "B", AgentType: domain.AgentBackend, DependsOn: []string{"a"}},
	}}
	_, err = h.svc.SubmitPlan(ctx, project.ID, cyclic)
	require.ErrorIs(t, err, graph.ErrInvalidPlan)
	var verr *graph.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"a", "b"}, verr.Offending())

	_, err = h.svc.SubmitPlan(ctx, project.ID, chainPlan())
	require.NoError(t, err)
	_, err = h.svc.SubmitPlan(ctx, project.ID, chainPlan())
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestPlanningQuestionsGateSubmission(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	project, err := h.svc.CreateProject(ctx, CreateProjectInput{OwnerID: "o", Name: "n", Goal: "blog"})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanKindDraft, project.Plan.Kind())

	project, err = h.svc.RecordQuestions(ctx, project.ID, []domain.Question{{Text: "Which database?"}})
	require.NoError(t, err)
	require.Equal(t, domain.PlanKindPendingQuestions, project.Plan.Kind())

	_, err = h.svc.SubmitPlan(ctx, project.ID, singlePlan())
	assert.ErrorIs(t, err, ErrPlanIncomplete)

	project, err = h.svc.AnswerQuestions(ctx, project.ID, map[string]string{"q1": "postgres"})
	require.NoError(t, err)
	draft, ok := project.Plan.(domain.PlanDraft)
	require.True(t, ok)
	assert.Equal(t, "blog", draft.Goal)
	assert.Contains(t, draft.Notes, "postgres")

	project, err = h.svc.RequestConfig(ctx, project.ID, []domain.ConfigField{{Key: "domain"}})
	require.NoError(t, err)
	project, err = h.svc.SubmitConfig(ctx, project.ID, map[string]string{"domain": "blog.example"})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanKindDraft, project.Plan.Kind())

	project, err = h.svc.SubmitPlan(ctx, project.ID, singlePlan())
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlanReview, project.Phase)
}

func TestFeedbackAndRevertRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	project, err := h.svc.CreateProject(ctx, CreateProjectInput{OwnerID: "o", Name: "n"})
	require.NoError(t, err)
	original := chainPlan()
	_, err = h.svc.SubmitPlan(ctx, project.ID, original)
	require.NoError(t, err)

	prio := 0
	fb := plan.Feedback{Comment: "ui first", Edits: []plan.Edit{{Kind: plan.EditSetPriority, TaskID: "ui", Priority: &prio}}}
	preview, err := h.svc.AnalyzeFeedback(ctx, project.ID, fb)
	require.NoError(t, err)
	assert.True(t, preview.Valid)
	unchanged, err := h.svc.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, unchanged.PlanRevision)

	edited, err := h.svc.ApplyFeedback(ctx, project.ID, fb)
	require.NoError(t, err)
	assert.Equal(t, 2, edited.PlanRevision)
	current, ok := domain.ReadyPlan(edited.Plan)
	require.True(t, ok)
	assert.Equal(t, 0, current.Tasks[2].Priority)

	_, err = h.svc.ApplyFeedback(ctx, project.ID, plan.Feedback{Edits: []plan.Edit{
		{Kind: plan.EditSetDependencies, TaskID: "schema", DependsOn: []string{"e2e"}},
	}})
	require.ErrorIs(t, err, graph.ErrInvalidPlan)

	reverted, err := h.svc.RevertPlan(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reverted.PlanRevision)
	restored, ok := domain.ReadyPlan(reverted.Plan)
	require.True(t, ok)
	assert.Equal(t, original, restored)
}

func TestResumeRederivesFromStore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, chainPlan())

	// completions recorded without evaluation, as if the process died
	for _, ev := range h.relay(t) {
		c := completion(ev, domain.TaskStatusCompleted, 90, 0)
		_, err := h.store.RecordCompletion(ctx, c)
		require.NoError(t, err)
	}
	_, err := h.store.GetInProgressWave(ctx, projectID)
	require.NoError(t, err)

	report, err := h.svc.Resume(ctx, projectID)
	require.NoError(t, err)
	assert.Contains(t, report.Actions, "evaluate wave 1")
	assert.Equal(t, []string{"api"}, taskIDs(h.relay(t)))

	again, err := h.svc.Resume(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, again.Actions)
	assert.Empty(t, h.relay(t))
}

func TestRelayRetriesThenResumeRequeuesExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2, RetryDelay: time.Hour})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	h.transport.setFail(errors.New("broker down"))
	require.NoError(t, h.svc.relayOnce(ctx))
	msgs, err := h.svc.ListMessages(ctx, projectID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageStatusPending, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.True(t, msgs[0].NextAttemptAt.After(time.Now().Add(30*time.Minute)))

	// the retry is not due yet
	require.NoError(t, h.svc.relayOnce(ctx))
	assert.Empty(t, h.transport.take())

	_, err = h.store.MarkMessageForRetry(ctx, msgs[0].ID, "broker down", time.Now(), 2)
	require.NoError(t, err)
	msgs, err = h.svc.ListMessages(ctx, projectID, 10)
	require.NoError(t, err)
	require.Equal(t, domain.MessageStatusFailed, msgs[0].Status)

	h.transport.setFail(nil)
	report, err := h.svc.Resume(ctx, projectID)
	require.NoError(t, err)
	assert.Contains(t, report.Actions, "requeued 1 dispatch(es)")
	evs := h.relay(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "api", evs[0].TaskID)
}

func TestRetryDelayBacksOffExponentially(t *testing.T) {
	svc := New(nil, nil, nil, nil, Config{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}, log.New(io.Discard, "", 0))
	assert.Equal(t, time.Second, svc.retryDelay(0))
	assert.Equal(t, 2*time.Second, svc.retryDelay(1))
	assert.Equal(t, 8*time.Second, svc.retryDelay(3))
	assert.Equal(t, 10*time.Second, svc.retryDelay(6))
}

func TestCancelledReviewReopensOnResume(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())
	h.complete(t, h.relay(t)[0], 90, 1)

	_, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionAssign, Actor: "lead", Assignee: "alice",
	})
	require.NoError(t, err)
	res, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionCancel, Actor: "lead",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusCancelled, res.Request.Status)
	assert.Equal(t, "alice", res.Request.Assignee)
	require.Len(t, res.Request.Notes, 2)

	_, err = h.svc.Resume(ctx, projectID)
	require.NoError(t, err)
	active, err := h.svc.ListReviewRequests(ctx, projectID, true, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, res.Request.ID, active[0].ID)

	_, err = h.svc.EscalateWave(ctx, projectID, 1, "lead", "")
	assert.ErrorIs(t, err, ErrReviewExists)
}

func TestCancelledManualEscalationLetsWaveAdvance(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())
	evs := h.relay(t)
	require.Len(t, evs, 1)

	_, err := h.svc.EscalateWave(ctx, projectID, 1, "lead", "looks off")
	require.NoError(t, err)
	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	require.True(t, project.HumanReviewRequired)

	_, err = h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionCancel, Actor: "lead",
	})
	require.NoError(t, err)
	project, err = h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, project.HumanReviewRequired)

	h.complete(t, evs[0], 95, 0)
	project, err = h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, project.Phase)
	assert.True(t, project.DeploymentRequested)
	_, deployments := h.notifier.counts()
	assert.Equal(t, 1, deployments)

	report, err := h.svc.Resume(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
}

func TestRetryAutofixGrantsFreshBudgetEachRetry(t *testing.T) {
	h := newHarness(t, Config{MaxFixAttempts: 1, ExtendedFixAttempts: 2, MaxAutofixRetries: 2})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())

	h.complete(t, h.relay(t)[0], 40, 0)
	h.complete(t, h.relay(t)[0], 40, 0)

	res, err := h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionRetryAutofix, Actor: "owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Wave.MaxFixAttempts)
	evs := h.relay(t)
	require.Len(t, evs, 1)
	assert.Equal(t, 2, evs[0].Attempt)
	h.complete(t, evs[0], 40, 0)

	res, err = h.svc.ReviewAction(ctx, ReviewActionInput{
		ProjectID: projectID, WaveNumber: 1, Action: domain.ReviewActionRetryAutofix, Actor: "owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Wave.MaxFixAttempts)
	assert.Equal(t, 3, res.Wave.FixAttempts)
	assert.Equal(t, 2, res.Wave.AutofixRetries)
	evs = h.relay(t)
	require.Len(t, evs, 1)
	assert.Equal(t, 3, evs[0].Attempt)
	h.complete(t, evs[0], 91, 0)

	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, project.Phase)
}

func TestNegativeCriticalCountIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, chainPlan())

	evs := h.relay(t)
	require.Equal(t, []string{"schema", "ui"}, taskIDs(evs))
	h.complete(t, evs[0], 90, 1)

	_, err := h.svc.HandleCompletion(ctx, completion(evs[1], domain.TaskStatusCompleted, 90, -1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid completion")
	_, err = h.store.RecordCompletion(ctx, completion(evs[1], domain.TaskStatusCompleted, 90, -1))
	assert.ErrorIs(t, err, domain.ErrConflict)

	h.complete(t, evs[1], 90, 0)
	active, err := h.svc.ListReviewRequests(ctx, projectID, true, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	project, err := h.svc.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWaveExecution, project.Phase)
	_, deployments := h.notifier.counts()
	assert.Zero(t, deployments)
}

func TestTrimTextKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", trimText("short", 10))
	assert.Equal(t, "hé...", trimText("héllo wörld", 5))

	long := trimText(strings.Repeat("ü", 300), 200)
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, 200, utf8.RuneCountInString(long))
	assert.Equal(t, "ab", trimText("abcdef", 2))
}

func TestNotificationFailureStillEscalates(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	projectID := h.approved(t, singlePlan())
	h.notifier.fail = errors.New("smtp unreachable")

	h.complete(t, h.relay(t)[0], 90, 1)
	reviews, err := h.svc.ListReviewRequests(ctx, projectID, true, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.False(t, reviews[0].NotificationSent)

	decisions, err := h.svc.ListDecisions(ctx, projectID, 50)
	require.NoError(t, err)
	var actions []string
	for _, d := range decisions {
		actions = append(actions, d.Action)
	}
	assert.Contains(t, actions, "notification_failed")
	assert.Contains(t, actions, "escalated")
}
