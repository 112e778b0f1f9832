package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"wavecrew/internal/domain"
)

// DispatchKey is the outbox idempotency key for one attempt of one task in
// one wave.
func DispatchKey(taskID string, waveNumber, attempt int) string {
	return fmt.Sprintf("dispatch-%s-w%d-a%d", taskID, waveNumber, attempt)
}

func buildDispatch(task domain.Task, waveNumber, attempt int, byID map[string]domain.Task, fixContext []string) (domain.Message, error) {
	deps := make([]domain.DependencyOutput, 0, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		deps = append(deps, domain.DependencyOutput{TaskID: dep, OutputRef: byID[dep].OutputRef})
	}
	ev := domain.DispatchEvent{
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		WaveNumber: waveNumber,
		AgentType:  task.AgentType,
		Attempt:    attempt,
		TaskInput: domain.TaskInput{
			Title:        task.Title,
			Description:  task.Description,
			Phase:        task.PhaseGroup,
			Dependencies: deps,
			FixContext:   fixContext,
		},
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode dispatch %s: %w", task.ID, err)
	}
	return domain.Message{
		ID:             uuid.NewString(),
		ProjectID:      task.ProjectID,
		TaskID:         task.ID,
		Kind:           domain.MessageKindDispatch,
		Target:         string(task.AgentType),
		Payload:        payload,
		IdempotencyKey: DispatchKey(task.ID, waveNumber, attempt),
		Status:         domain.MessageStatusPending,
	}, nil
}

func (s *Service) relayLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.relayOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Printf("relay loop error: %v", err)
			}
		}
	}
}

// relayOnce publishes every due outbox row. Rows are claimed individually,
// so several relays can share one database.
func (s *Service) relayOnce(ctx context.Context) error {
	now := time.Now().UTC()
	if err := s.requeueExpiredClaims(ctx, now); err != nil {
		s.logger.Printf("requeue expired claims error: %v", err)
	}

	msgs, err := s.store.ListDispatchableMessages(ctx, s.cfg.RelayBatch, now)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RelayConcurrency)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			s.relayMessage(gctx, msg)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) relayMessage(ctx context.Context, msg domain.Message) {
	now := time.Now().UTC()
	claimed, err := s.store.ClaimMessage(ctx, msg.ID, now, now.Add(s.cfg.DispatchLease))
	if err != nil {
		s.logger.Printf("claim message failed message=%s: %v", msg.ID, err)
		return
	}
	if !claimed {
		return
	}

	if err := s.transport.Publish(ctx, msg); err != nil {
		s.scheduleRetry(ctx, msg, err.Error())
		return
	}
	updated, err := s.store.MarkMessageDelivered(ctx, msg.ID)
	if err != nil {
		s.logger.Printf("mark message delivered failed message=%s: %v", msg.ID, err)
		return
	}
	if !updated {
		s.logger.Printf("mark message delivered skipped message=%s (status changed concurrently)", msg.ID)
		return
	}
	s.metrics.Dispatch("published")
}

func (s *Service) scheduleRetry(ctx context.Context, msg domain.Message, reason string) {
	retryAt := time.Now().UTC().Add(s.retryDelay(msg.Attempts))
	retry, err := s.store.MarkMessageForRetry(ctx, msg.ID, reason, retryAt, s.cfg.MaxRetries)
	if err != nil {
		s.logger.Printf("retry update failed message=%s: %v", msg.ID, err)
		return
	}
	if retry {
		s.metrics.Dispatch("retried")
		return
	}
	s.metrics.Dispatch("failed")
	s.logDecision(ctx, msg.ProjectID, "dispatch_failed", "max retries reached", map[string]any{
		"message_id":      msg.ID,
		"task_id":         msg.TaskID,
		"target":          msg.Target,
		"idempotency_key": msg.IdempotencyKey,
		"last_error":      trimText(reason, 500),
	})
}

// requeueExpiredClaims recovers rows whose relay died between claim and
// publish.
func (s *Service) requeueExpiredClaims(ctx context.Context, now time.Time) error {
	expired, err := s.store.ListExpiredClaims(ctx, s.cfg.RelayBatch, now)
	if err != nil {
		return err
	}
	for _, msg := range expired {
		s.scheduleRetry(ctx, msg, "publish lease expired")
	}
	return nil
}

// retryDelay is the exponential backoff interval after the given number of
// failed publishes.
func (s *Service) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryDelay
	b.MaxInterval = s.cfg.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// HandleCompletion applies an agent's report. Duplicate and stale reports
// are no-ops; the report that resolves its wave runs the quality gate.
func (s *Service) HandleCompletion(ctx context.Context, ev domain.CompletionEvent) (domain.CompletionOutcome, error) {
	if ev.ProjectID == "" || ev.TaskID == "" || ev.WaveNumber <= 0 {
		return domain.CompletionOutcome{}, fmt.Errorf("invalid completion: project, task and wave are required")
	}
	if ev.Score != nil && (*ev.Score < 0 || *ev.Score > 100) {
		return domain.CompletionOutcome{}, fmt.Errorf("invalid completion: score %d outside 0..100", *ev.Score)
	}
	if ev.CriticalIssues != nil && *ev.CriticalIssues < 0 {
		return domain.CompletionOutcome{}, fmt.Errorf("invalid completion: critical issue count %d is negative", *ev.CriticalIssues)
	}

	var out domain.CompletionOutcome
	err := retryBusy(func() error {
		var err error
		out, err = s.store.RecordCompletion(ctx, ev)
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		s.logDecision(ctx, ev.ProjectID, "completion_ignored", "wave no longer accepts completions", map[string]any{
			"task_id": ev.TaskID,
			"wave":    ev.WaveNumber,
			"attempt": ev.Attempt,
		})
		s.metrics.Completion(string(ev.Status), false)
		return domain.CompletionOutcome{}, nil
	}
	if err != nil {
		return domain.CompletionOutcome{}, fmt.Errorf("record completion: %w", err)
	}
	s.metrics.Completion(string(ev.Status), out.Applied)

	if !out.Applied {
		s.logDecision(ctx, ev.ProjectID, "completion_ignored", "duplicate or stale completion", map[string]any{
			"task_id":     ev.TaskID,
			"wave":        ev.WaveNumber,
			"attempt":     ev.Attempt,
			"task_status": out.Task.Status,
			"task_wave":   out.Task.WaveNumber,
			"task_fixes":  out.Task.FixAttempts,
		})
		return out, nil
	}

	action := "task_completed"
	if ev.Status == domain.TaskStatusFailed {
		action = "task_failed"
	}
	s.logDecision(ctx, ev.ProjectID, action, trimText(ev.Error, 200), map[string]any{
		"task_id":         ev.TaskID,
		"wave":            ev.WaveNumber,
		"attempt":         ev.Attempt,
		"score":           ev.Score,
		"critical_issues": ev.CriticalIssues,
		"output_ref":      ev.OutputRef,
	})

	if !out.Resolved {
		return out, nil
	}
	err = s.withProject(ev.ProjectID, func() error {
		return s.evaluateWave(ctx, ev.ProjectID, ev.WaveNumber, true)
	})
	return out, err
}
