package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wavecrew/internal/domain"
)

const messageColumns = `id, project_id, task_id, kind, target, payload, idempotency_key, status, attempts,
	next_attempt_at, last_error, created_at, updated_at`

// dispatchKeyMatchesTask limits a query to outbox rows that carry the
// current attempt of an in-progress task.
const dispatchKeyMatchesTask = `EXISTS (
	SELECT 1 FROM tasks t
	WHERE t.project_id = outbox.project_id AND t.id = outbox.task_id AND t.status = 'in_progress'
		AND outbox.idempotency_key = 'dispatch-' || t.id || '-w' || t.wave_number || '-a' || t.fix_attempts
)`

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusPending
	}
	if msg.Payload == nil {
		msg.Payload = []byte("{}")
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO idempotency_keys(key, message_id, created_at) VALUES(?, ?, ?)`,
		msg.IdempotencyKey, msg.ID, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return nil
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO outbox(`+messageColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.TaskID, string(msg.Kind), msg.Target, string(msg.Payload), msg.IdempotencyKey,
		string(msg.Status), msg.Attempts, msg.NextAttemptAt.Unix(), msg.LastError, msg.CreatedAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) ListDispatchableMessages(ctx context.Context, limit int, now time.Time) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, "list dispatchable messages",
		`SELECT `+messageColumns+` FROM outbox
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?`,
		string(domain.MessageStatusPending), now.Unix(), limit,
	)
}

// ClaimMessage leases a pending message for publishing. It reports false
// when another relay got there first.
func (s *Store) ClaimMessage(ctx context.Context, messageID string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE outbox SET status = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND next_attempt_at <= ?`,
		string(domain.MessageStatusDispatching), leaseUntil.Unix(), now.Unix(), messageID,
		string(domain.MessageStatusPending), now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE outbox SET status = ?, lease_until = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.MessageStatusDelivered), time.Now().UTC().Unix(), messageID,
		string(domain.MessageStatusDispatching),
	)
	if err != nil {
		return false, fmt.Errorf("mark message delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delivered rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkMessageForRetry records a failed publish. It reports false once the
// retry budget is spent and the message has been marked failed.
func (s *Store) MarkMessageForRetry(ctx context.Context, messageID string, lastError string, retryAt time.Time, maxRetries int) (bool, error) {
	var retry bool
	err := s.withTx(ctx, "message retry", func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?`, messageID).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
			}
			return fmt.Errorf("get message attempts: %w", err)
		}
		now := time.Now().UTC().Unix()
		nextAttempts := attempts + 1
		if nextAttempts >= maxRetries {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE outbox SET status = ?, attempts = ?, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
				string(domain.MessageStatusFailed), nextAttempts, lastError, now, messageID,
			); err != nil {
				return fmt.Errorf("mark message failed after retries: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE outbox
			SET status = ?, attempts = ?, next_attempt_at = ?, lease_until = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`,
			string(domain.MessageStatusPending), nextAttempts, retryAt.Unix(), lastError, now, messageID,
		); err != nil {
			return fmt.Errorf("schedule message retry: %w", err)
		}
		retry = true
		return nil
	})
	return retry, err
}

// ListExpiredClaims returns messages whose publish lease ran out, which
// happens when a relay dies between claim and publish.
func (s *Store) ListExpiredClaims(ctx context.Context, limit int, now time.Time) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, "list expired claims",
		`SELECT `+messageColumns+` FROM outbox
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?
		ORDER BY lease_until ASC
		LIMIT ?`,
		string(domain.MessageStatusDispatching), now.Unix(), limit,
	)
}

// RequeueFailedDispatches resets the exhausted dispatch messages of a
// project whose tasks are still waiting on that exact attempt.
func (s *Store) RequeueFailedDispatches(ctx context.Context, projectID string) (int, error) {
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE outbox SET status = ?, attempts = 0, next_attempt_at = ?, updated_at = ?
		WHERE project_id = ? AND kind = ? AND status = ? AND `+dispatchKeyMatchesTask,
		string(domain.MessageStatusPending), now, now, projectID,
		string(domain.MessageKindDispatch), string(domain.MessageStatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue failed dispatches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed rows affected: %w", err)
	}
	return int(n), nil
}

// RequeueStaleDispatches puts delivered dispatches back in the queue when
// their task has not reported back since before olderThan.
func (s *Store) RequeueStaleDispatches(ctx context.Context, olderThan time.Time) ([]domain.Message, error) {
	var requeued []domain.Message
	err := s.withTx(ctx, "requeue stale dispatches", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT `+messageColumns+` FROM outbox
			WHERE kind = ? AND status = ? AND updated_at < ? AND `+dispatchKeyMatchesTask,
			string(domain.MessageKindDispatch), string(domain.MessageStatusDelivered), olderThan.Unix(),
		)
		if err != nil {
			return fmt.Errorf("list stale dispatches: %w", err)
		}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan stale dispatch: %w", err)
			}
			requeued = append(requeued, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate stale dispatches: %w", err)
		}
		rows.Close()

		now := time.Now().UTC().Unix()
		for _, m := range requeued {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE outbox SET status = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
				string(domain.MessageStatusPending), now, now, m.ID,
			); err != nil {
				return fmt.Errorf("requeue stale dispatch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

func (s *Store) ListProjectMessages(ctx context.Context, projectID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 400
	}
	return s.queryMessages(ctx, "list project messages",
		`SELECT `+messageColumns+` FROM outbox WHERE project_id = ? ORDER BY created_at DESC, id ASC LIMIT ?`,
		projectID, limit,
	)
}

func (s *Store) queryMessages(ctx context.Context, op, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m                               domain.Message
		kind, status, payload           string
		nextAttempt, created, updatedAt int64
	)
	if err := row.Scan(
		&m.ID, &m.ProjectID, &m.TaskID, &kind, &m.Target, &payload, &m.IdempotencyKey, &status, &m.Attempts,
		&nextAttempt, &m.LastError, &created, &updatedAt,
	); err != nil {
		return domain.Message{}, err
	}
	m.Kind = domain.MessageKind(kind)
	m.Status = domain.MessageStatus(status)
	m.Payload = []byte(payload)
	m.NextAttemptAt = unixToTime(nextAttempt)
	m.CreatedAt = unixToTime(created)
	m.UpdatedAt = unixToTime(updatedAt)
	return m, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Payload == nil {
		entry.Payload = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(project_id, actor, action, reason, payload, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		entry.ProjectID, entry.Actor, entry.Action, entry.Reason, string(entry.Payload), entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns a project's decision log, newest first.
func (s *Store) ListDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}
