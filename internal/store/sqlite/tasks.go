package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wavecrew/internal/domain"
)

const taskColumns = `project_id, id, agent_type, title, description, phase_group, depends_on, priority, plan_order,
	status, wave_number, review_score, critical_issues, fix_attempts, remaining_issues, output_ref, last_error,
	created_at, updated_at`

func insertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = domain.TaskStatusPending
	}
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ProjectID, t.ID, string(t.AgentType), t.Title, t.Description, t.PhaseGroup, encodeList(t.DependsOn),
		t.Priority, t.PlanOrder, string(t.Status), nullableInt(t.WaveNumber), nullableInt(t.ReviewScore),
		t.CriticalIssues, t.FixAttempts, encodeList(t.RemainingIssues), t.OutputRef, t.LastError,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return constraintErr("create task "+t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	return getTask(ctx, s.db, projectID, taskID)
}

func getTask(ctx context.Context, q queryRower, projectID, taskID string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND id = ?`, projectID, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("task %s/%s: %w", projectID, taskID, ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a project's tasks in plan order.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, "list tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY plan_order ASC`, projectID)
}

func (s *Store) ListWaveTasks(ctx context.Context, projectID string, number int) ([]domain.Task, error) {
	return s.queryTasks(ctx, "list wave tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND wave_number = ? ORDER BY plan_order ASC`,
		projectID, number)
}

func (s *Store) queryTasks(ctx context.Context, op, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// RecordCompletion applies an agent's completion report. The task moves
// from in_progress to a terminal status only when the event names the
// task's current wave and attempt; anything else is a duplicate or stale
// delivery and leaves state untouched.
func (s *Store) RecordCompletion(ctx context.Context, ev domain.CompletionEvent) (domain.CompletionOutcome, error) {
	if !ev.Status.Terminal() {
		return domain.CompletionOutcome{}, fmt.Errorf("record completion: status %q is not terminal", ev.Status)
	}
	var out domain.CompletionOutcome
	err := s.withTx(ctx, "record completion", func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, ev.ProjectID, ev.TaskID)
		if err != nil {
			return err
		}
		out.Task = task
		if task.Status != domain.TaskStatusInProgress || !task.InWave(ev.WaveNumber) || task.FixAttempts != ev.Attempt {
			if task.WaveNumber != nil {
				if w, err := getWave(ctx, tx, ev.ProjectID, *task.WaveNumber); err == nil {
					out.Wave = w
				}
			}
			return nil
		}
		if err := domain.CheckTaskTransition(task.Status, ev.Status); err != nil {
			return err
		}

		critical := 0
		if ev.CriticalIssues != nil {
			critical = *ev.CriticalIssues
		}
		now := time.Now().UTC().Unix()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE tasks
			SET status = ?, review_score = ?, critical_issues = ?, remaining_issues = ?, output_ref = ?,
				last_error = ?, updated_at = ?
			WHERE project_id = ? AND id = ? AND status = ? AND wave_number = ? AND fix_attempts = ?`,
			string(ev.Status), nullableInt(ev.Score), critical, encodeList(ev.RemainingIssues), ev.OutputRef,
			ev.Error, now, ev.ProjectID, ev.TaskID, string(domain.TaskStatusInProgress), ev.WaveNumber, ev.Attempt,
		)
		if err != nil {
			return constraintErr("record task completion", err)
		}
		if err := requireOneRow(res, "record task completion"); err != nil {
			return err
		}

		completed, failed := 1, 0
		if ev.Status == domain.TaskStatusFailed {
			completed, failed = 0, 1
		}
		res, err = tx.ExecContext(
			ctx,
			`UPDATE waves
			SET completed_count = completed_count + ?, failed_count = failed_count + ?, updated_at = ?
			WHERE project_id = ? AND number = ? AND status = ?`,
			completed, failed, now, ev.ProjectID, ev.WaveNumber, string(domain.WaveStatusInProgress),
		)
		if err != nil {
			return constraintErr("bump wave counters", err)
		}
		if err := requireOneRow(res, "bump wave counters"); err != nil {
			return err
		}

		if out.Task, err = getTask(ctx, tx, ev.ProjectID, ev.TaskID); err != nil {
			return err
		}
		if out.Wave, err = getWave(ctx, tx, ev.ProjectID, ev.WaveNumber); err != nil {
			return err
		}
		out.Applied = true
		out.Resolved = out.Wave.Resolved()
		return nil
	})
	if err != nil {
		return domain.CompletionOutcome{}, err
	}
	return out, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                       domain.Task
		agent, status           string
		dependsOn, remaining    string
		waveNumber, reviewScore sql.NullInt64
		created, updated        int64
	)
	if err := row.Scan(
		&t.ProjectID, &t.ID, &agent, &t.Title, &t.Description, &t.PhaseGroup, &dependsOn, &t.Priority, &t.PlanOrder,
		&status, &waveNumber, &reviewScore, &t.CriticalIssues, &t.FixAttempts, &remaining, &t.OutputRef, &t.LastError,
		&created, &updated,
	); err != nil {
		return domain.Task{}, err
	}
	t.AgentType = domain.AgentType(agent)
	t.Status = domain.TaskStatus(status)
	t.DependsOn = decodeList[string](dependsOn)
	t.RemainingIssues = decodeList[string](remaining)
	t.WaveNumber = intPtr(waveNumber)
	t.ReviewScore = intPtr(reviewScore)
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)
	return t, nil
}
