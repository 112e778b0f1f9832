package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"wavecrew/internal/domain"
	"wavecrew/internal/metrics"
	"wavecrew/internal/quality"
	sqlitestore "wavecrew/internal/store/sqlite"
)

const orchestratorAgentID = "orchestrator"

var (
	ErrWrongPhase       = errors.New("operation not allowed in current project phase")
	ErrReviewExists     = errors.New("an active review request already exists for this wave")
	ErrReviewNotFound   = errors.New("no active review request for this wave")
	ErrAutofixExhausted = errors.New("autofix retry limit reached")
	ErrWaveInFlight     = errors.New("wave still has tasks in flight")
	ErrPlanIncomplete   = errors.New("plan has unanswered questions or missing config")
)

type Store interface {
	CreateProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	ListProjects(ctx context.Context, limit int) ([]domain.Project, error)
	ListProjectsInPhase(ctx context.Context, phase domain.ProjectPhase) ([]string, error)
	UpdateProject(ctx context.Context, projectID string, fn func(*domain.Project) error) (domain.Project, error)
	StartExecution(ctx context.Context, projectID string, expectRevision int, tasks []domain.Task, first domain.Wave, taskIDs []string, msgs []domain.Message) error
	CompleteProject(ctx context.Context, projectID string) (bool, error)
	MarkDeploymentRequested(ctx context.Context, projectID string) error
	FailProject(ctx context.Context, projectID, reason string) (bool, error)

	GetTask(ctx context.Context, projectID, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ListWaveTasks(ctx context.Context, projectID string, number int) ([]domain.Task, error)
	RecordCompletion(ctx context.Context, ev domain.CompletionEvent) (domain.CompletionOutcome, error)

	CreateWave(ctx context.Context, w domain.Wave, taskIDs []string, msgs []domain.Message) error
	ResetTasksForFix(ctx context.Context, projectID string, number, expectFixAttempts int, msgs []domain.Message) (domain.Wave, error)
	CloseWave(ctx context.Context, projectID string, number int, status domain.WaveStatus) (bool, error)
	GetWave(ctx context.Context, projectID string, number int) (domain.Wave, error)
	GetInProgressWave(ctx context.Context, projectID string) (domain.Wave, error)
	ListWaves(ctx context.Context, projectID string) ([]domain.Wave, error)

	CreateEscalation(ctx context.Context, req domain.ReviewRequest) error
	SetNotificationSent(ctx context.Context, requestID string, sent bool) error
	ApplyReviewUpdate(ctx context.Context, upd domain.ReviewUpdate) error
	GetReviewRequest(ctx context.Context, requestID string) (domain.ReviewRequest, error)
	GetActiveReviewRequest(ctx context.Context, projectID string, number int) (domain.ReviewRequest, error)
	ListReviewRequests(ctx context.Context, projectID string, activeOnly bool, limit int) ([]domain.ReviewRequest, error)

	ListDispatchableMessages(ctx context.Context, limit int, now time.Time) ([]domain.Message, error)
	ClaimMessage(ctx context.Context, messageID string, now, leaseUntil time.Time) (bool, error)
	MarkMessageDelivered(ctx context.Context, messageID string) (bool, error)
	MarkMessageForRetry(ctx context.Context, messageID string, lastError string, retryAt time.Time, maxRetries int) (bool, error)
	ListExpiredClaims(ctx context.Context, limit int, now time.Time) ([]domain.Message, error)
	RequeueFailedDispatches(ctx context.Context, projectID string) (int, error)
	RequeueStaleDispatches(ctx context.Context, olderThan time.Time) ([]domain.Message, error)
	ListProjectMessages(ctx context.Context, projectID string, limit int) ([]domain.Message, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error)
}

// Transport carries dispatch messages to agents. Delivery is at least once;
// the message's IdempotencyKey identifies duplicates.
type Transport interface {
	Publish(ctx context.Context, msg domain.Message) error
}

type Notifier interface {
	NotifyReviewRequested(ctx context.Context, ev domain.NotificationEvent) error
}

type Deployer interface {
	RequestDeployment(ctx context.Context, ev domain.DeploymentEvent) error
}

type Config struct {
	RelayInterval    time.Duration
	RelayBatch       int
	RelayConcurrency int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	MaxRetries       int
	DispatchLease    time.Duration
	WatchdogInterval time.Duration
	// StaleAfter is how long a delivered dispatch may go without a
	// completion before the watchdog publishes it again.
	StaleAfter time.Duration

	MaxWaveSize         int
	PassThreshold       int
	MaxFixAttempts      int
	ExtendedFixAttempts int
	MaxAutofixRetries   int
}

func (c Config) withDefaults() Config {
	if c.RelayInterval <= 0 {
		c.RelayInterval = 250 * time.Millisecond
	}
	if c.RelayBatch <= 0 {
		c.RelayBatch = 128
	}
	if c.RelayConcurrency <= 0 {
		c.RelayConcurrency = 8
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 6
	}
	if c.DispatchLease <= 0 {
		c.DispatchLease = 10 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 3 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.MaxWaveSize <= 0 {
		c.MaxWaveSize = 12
	}
	if c.PassThreshold <= 0 {
		c.PassThreshold = quality.DefaultPassThreshold
	}
	if c.MaxFixAttempts <= 0 {
		c.MaxFixAttempts = 3
	}
	if c.ExtendedFixAttempts <= 0 {
		c.ExtendedFixAttempts = 10
	}
	if c.MaxAutofixRetries <= 0 {
		c.MaxAutofixRetries = 2
	}
	return c
}

type Service struct {
	store     Store
	transport Transport
	notifier  Notifier
	deployer  Deployer
	gate      *quality.Gate
	metrics   *metrics.Metrics
	cfg       Config
	logger    *log.Logger

	wg sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires the sequencer. A nil notifier or deployer only logs.
func New(store Store, transport Transport, notifier Notifier, deployer Deployer, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		store:     store,
		transport: transport,
		notifier:  notifier,
		deployer:  deployer,
		gate:      quality.New(quality.Config{PassThreshold: cfg.PassThreshold}),
		cfg:       cfg,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
	if s.notifier == nil {
		s.notifier = logNotifier{logger: logger}
	}
	if s.deployer == nil {
		s.deployer = logNotifier{logger: logger}
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) Config() Config {
	return s.cfg
}

// Start resumes every executing project and launches the relay and
// watchdog loops. Call Wait after cancelling ctx.
func (s *Service) Start(ctx context.Context) {
	if err := s.ResumeAll(ctx); err != nil {
		s.logger.Printf("resume on start failed: %v", err)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.relayLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// withProject serialises sequencing work for one project inside this
// process. Cross-process safety comes from the store's guarded updates.
func (s *Service) withProject(projectID string, fn func() error) error {
	s.locksMu.Lock()
	mu, ok := s.locks[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[projectID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (s *Service) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	return s.store.ListProjects(ctx, limit)
}

func (s *Service) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.store.ListTasks(ctx, projectID)
}

func (s *Service) ListWaves(ctx context.Context, projectID string) ([]domain.Wave, error) {
	return s.store.ListWaves(ctx, projectID)
}

func (s *Service) GetWave(ctx context.Context, projectID string, number int) (domain.Wave, error) {
	return s.store.GetWave(ctx, projectID, number)
}

func (s *Service) ListWaveTasks(ctx context.Context, projectID string, number int) ([]domain.Task, error) {
	return s.store.ListWaveTasks(ctx, projectID, number)
}

func (s *Service) ListReviewRequests(ctx context.Context, projectID string, activeOnly bool, limit int) ([]domain.ReviewRequest, error) {
	return s.store.ListReviewRequests(ctx, projectID, activeOnly, limit)
}

func (s *Service) GetReviewRequest(ctx context.Context, requestID string) (domain.ReviewRequest, error) {
	return s.store.GetReviewRequest(ctx, requestID)
}

func (s *Service) ListDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, projectID, limit)
}

func (s *Service) ListMessages(ctx context.Context, projectID string, limit int) ([]domain.Message, error) {
	return s.store.ListProjectMessages(ctx, projectID, limit)
}

func (s *Service) logDecision(ctx context.Context, projectID, action, reason string, payload any) {
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		ProjectID: projectID,
		Actor:     orchestratorAgentID,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
	})
}

// retryBusy re-runs fn while SQLite reports lock contention.
func retryBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = fn()
		if err == nil || !sqlitestore.IsBusy(err) {
			return err
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	return err
}

type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) NotifyReviewRequested(_ context.Context, ev domain.NotificationEvent) error {
	n.logger.Printf("review requested project=%s wave=%d review=%s priority=%s reason=%s",
		ev.ProjectID, ev.WaveNumber, ev.ReviewID, ev.Priority, trimText(ev.Reason, 200))
	return nil
}

func (n logNotifier) RequestDeployment(_ context.Context, ev domain.DeploymentEvent) error {
	n.logger.Printf("deployment requested project=%s waves=%d tasks=%d", ev.ProjectID, ev.Waves, ev.Tasks)
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// trimText shortens s to at most n runes.
func trimText(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

func phaseError(op string, p domain.Project) error {
	return fmt.Errorf("%s: project %s is %s: %w", op, p.ID, p.Phase, ErrWrongPhase)
}
