package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wavecrew/internal/domain"
)

const waveColumns = `project_id, number, status, task_count, completed_count, failed_count, fix_attempts,
	max_fix_attempts, autofix_retries, escalated_to_human, created_at, updated_at, completed_at`

// CreateWave opens the next wave of an executing project: the wave row, the
// task assignments and the dispatch messages commit together or not at all.
func (s *Store) CreateWave(ctx context.Context, w domain.Wave, taskIDs []string, msgs []domain.Message) error {
	return s.withTx(ctx, "create wave", func(tx *sql.Tx) error {
		var phase string
		var reviewRequired int
		err := tx.QueryRowContext(
			ctx,
			`SELECT phase, human_review_required FROM projects WHERE id = ?`,
			w.ProjectID,
		).Scan(&phase, &reviewRequired)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("project %s: %w", w.ProjectID, ErrNotFound)
			}
			return fmt.Errorf("read project for wave: %w", err)
		}
		if domain.ProjectPhase(phase) != domain.PhaseWaveExecution || reviewRequired == 1 {
			return fmt.Errorf("create wave in phase %s (review required=%d): %w", phase, reviewRequired, ErrConflict)
		}
		return createWaveTx(ctx, tx, w, taskIDs, msgs)
	})
}

func createWaveTx(ctx context.Context, tx *sql.Tx, w domain.Wave, taskIDs []string, msgs []domain.Message) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.Status = domain.WaveStatusInProgress
	w.TaskCount = len(taskIDs)
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO waves(`+waveColumns+`) VALUES(?, ?, ?, ?, 0, 0, 0, ?, 0, 0, ?, ?, NULL)`,
		w.ProjectID, w.Number, string(w.Status), w.TaskCount, w.MaxFixAttempts, w.CreatedAt.Unix(), w.CreatedAt.Unix(),
	)
	if err != nil {
		return constraintErr(fmt.Sprintf("create wave %d", w.Number), err)
	}
	for _, id := range taskIDs {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE tasks SET wave_number = ?, updated_at = ?
			WHERE project_id = ? AND id = ? AND wave_number IS NULL AND status = ?`,
			w.Number, now.Unix(), w.ProjectID, id, string(domain.TaskStatusPending),
		)
		if err != nil {
			return fmt.Errorf("assign task %s to wave: %w", id, err)
		}
		if err := requireOneRow(res, "assign task "+id); err != nil {
			return err
		}
	}
	return enqueueDispatchTx(ctx, tx, msgs)
}

// enqueueDispatchTx marks each message's task in_progress and writes the
// message to the outbox. A message whose idempotency key was already used
// is skipped.
func enqueueDispatchTx(ctx context.Context, tx *sql.Tx, msgs []domain.Message) error {
	now := time.Now().UTC()
	for _, msg := range msgs {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE project_id = ? AND id = ? AND status = ?`,
			string(domain.TaskStatusInProgress), now.Unix(), msg.ProjectID, msg.TaskID, string(domain.TaskStatusPending),
		)
		if err != nil {
			return fmt.Errorf("start task %s: %w", msg.TaskID, err)
		}
		if err := requireOneRow(res, "start task "+msg.TaskID); err != nil {
			return err
		}
		if err := insertMessageTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	return nil
}

// ResetTasksForFix starts one fix round on a wave. The wave's fix attempt
// counter must still equal expectFixAttempts and stay within its budget;
// the named tasks go back through pending and are re-dispatched by msgs.
func (s *Store) ResetTasksForFix(ctx context.Context, projectID string, number, expectFixAttempts int, msgs []domain.Message) (domain.Wave, error) {
	var out domain.Wave
	err := s.withTx(ctx, "reset tasks for fix", func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE waves SET fix_attempts = fix_attempts + 1, updated_at = ?
			WHERE project_id = ? AND number = ? AND status = ? AND fix_attempts = ? AND fix_attempts + 1 <= max_fix_attempts`,
			now, projectID, number, string(domain.WaveStatusInProgress), expectFixAttempts,
		)
		if err != nil {
			return constraintErr("bump wave fix attempts", err)
		}
		if err := requireOneRow(res, "bump wave fix attempts"); err != nil {
			return err
		}

		for _, msg := range msgs {
			task, err := getTask(ctx, tx, projectID, msg.TaskID)
			if err != nil {
				return err
			}
			if !task.InWave(number) {
				return fmt.Errorf("reset task %s outside wave %d: %w", task.ID, number, ErrConflict)
			}
			if err := domain.CheckTaskTransition(task.Status, domain.TaskStatusPending); err != nil {
				return fmt.Errorf("reset task %s: %w: %v", task.ID, ErrConflict, err)
			}
			counter := "completed_count"
			if task.Status == domain.TaskStatusFailed {
				counter = "failed_count"
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE tasks SET status = ?, fix_attempts = fix_attempts + 1, review_score = NULL, critical_issues = 0, updated_at = ?
				WHERE project_id = ? AND id = ?`,
				string(domain.TaskStatusPending), now, projectID, task.ID,
			); err != nil {
				return fmt.Errorf("reset task %s: %w", task.ID, err)
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE waves SET `+counter+` = `+counter+` - 1 WHERE project_id = ? AND number = ?`,
				projectID, number,
			); err != nil {
				return constraintErr("release wave counter", err)
			}
		}
		if err := enqueueDispatchTx(ctx, tx, msgs); err != nil {
			return err
		}
		out, err = getWave(ctx, tx, projectID, number)
		return err
	})
	if err != nil {
		return domain.Wave{}, err
	}
	return out, nil
}

// CloseWave moves an in_progress wave to a terminal status. It reports false
// when the wave was already closed.
func (s *Store) CloseWave(ctx context.Context, projectID string, number int, status domain.WaveStatus) (bool, error) {
	if err := domain.CheckWaveTransition(domain.WaveStatusInProgress, status); err != nil {
		return false, err
	}
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE waves SET status = ?, completed_at = ?, updated_at = ?
		WHERE project_id = ? AND number = ? AND status = ?`,
		string(status), now, now, projectID, number, string(domain.WaveStatusInProgress),
	)
	if err != nil {
		return false, fmt.Errorf("close wave: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close wave rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetWave(ctx context.Context, projectID string, number int) (domain.Wave, error) {
	return getWave(ctx, s.db, projectID, number)
}

func getWave(ctx context.Context, q queryRower, projectID string, number int) (domain.Wave, error) {
	row := q.QueryRowContext(ctx, `SELECT `+waveColumns+` FROM waves WHERE project_id = ? AND number = ?`, projectID, number)
	w, err := scanWave(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Wave{}, fmt.Errorf("wave %s/%d: %w", projectID, number, ErrNotFound)
		}
		return domain.Wave{}, fmt.Errorf("get wave: %w", err)
	}
	return w, nil
}

func (s *Store) GetInProgressWave(ctx context.Context, projectID string) (domain.Wave, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+waveColumns+` FROM waves WHERE project_id = ? AND status = ?`,
		projectID, string(domain.WaveStatusInProgress),
	)
	w, err := scanWave(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Wave{}, fmt.Errorf("in-progress wave of %s: %w", projectID, ErrNotFound)
		}
		return domain.Wave{}, fmt.Errorf("get in-progress wave: %w", err)
	}
	return w, nil
}

func (s *Store) ListWaves(ctx context.Context, projectID string) ([]domain.Wave, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+waveColumns+` FROM waves WHERE project_id = ? ORDER BY number ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list waves: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Wave, 0)
	for rows.Next() {
		w, err := scanWave(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wave: %w", err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waves: %w", err)
	}
	return result, nil
}

func scanWave(row rowScanner) (domain.Wave, error) {
	var (
		w                domain.Wave
		status           string
		escalated        int
		created, updated int64
		completedAt      sql.NullInt64
	)
	if err := row.Scan(
		&w.ProjectID, &w.Number, &status, &w.TaskCount, &w.CompletedCount, &w.FailedCount, &w.FixAttempts,
		&w.MaxFixAttempts, &w.AutofixRetries, &escalated, &created, &updated, &completedAt,
	); err != nil {
		return domain.Wave{}, err
	}
	w.Status = domain.WaveStatus(status)
	w.EscalatedToHuman = escalated == 1
	w.CreatedAt = unixToTime(created)
	w.UpdatedAt = unixToTime(updated)
	w.CompletedAt = int64ToTimePtr(completedAt)
	return w, nil
}
