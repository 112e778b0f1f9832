package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wavecrew/internal/domain"
)

const reviewColumns = `id, project_id, wave_number, reason, priority, status, critical_issues, attempt_count,
	assignee, resolution, notes, notification_sent, created_at, updated_at, resolved_at`

// CreateEscalation records a review request, marks its wave escalated and
// raises the project's review flag in one transaction. A second active
// request for the same wave fails with ErrConflict.
func (s *Store) CreateEscalation(ctx context.Context, req domain.ReviewRequest) error {
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	if req.Status == "" {
		req.Status = domain.ReviewStatusPending
	}
	return s.withTx(ctx, "create escalation", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO review_requests(`+reviewColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			req.ID, req.ProjectID, req.WaveNumber, req.Reason, string(req.Priority), string(req.Status),
			encodeList(req.CriticalIssues), req.AttemptCount, req.Assignee, string(req.Resolution),
			encodeList(req.Notes), boolInt(req.NotificationSent), req.CreatedAt.Unix(), req.UpdatedAt.Unix(),
		)
		if err != nil {
			return constraintErr("create review request", err)
		}
		res, err := tx.ExecContext(
			ctx,
			`UPDATE waves SET escalated_to_human = 1, updated_at = ? WHERE project_id = ? AND number = ? AND status = ?`,
			now.Unix(), req.ProjectID, req.WaveNumber, string(domain.WaveStatusInProgress),
		)
		if err != nil {
			return fmt.Errorf("mark wave escalated: %w", err)
		}
		if err := requireOneRow(res, "mark wave escalated"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE projects SET human_review_required = 1, updated_at = ? WHERE id = ?`,
			now.Unix(), req.ProjectID,
		); err != nil {
			return fmt.Errorf("flag project for review: %w", err)
		}
		return nil
	})
}

func (s *Store) SetNotificationSent(ctx context.Context, requestID string, sent bool) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE review_requests SET notification_sent = ?, updated_at = ? WHERE id = ?`,
		boolInt(sent), time.Now().UTC().Unix(), requestID,
	)
	if err != nil {
		return fmt.Errorf("set notification sent: %w", err)
	}
	return nil
}

// ApplyReviewUpdate persists one review action: the request itself (guarded
// by its expected status) plus whatever wave and project changes the action
// implies.
func (s *Store) ApplyReviewUpdate(ctx context.Context, upd domain.ReviewUpdate) error {
	req := upd.Request
	return s.withTx(ctx, "apply review update", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE review_requests
			SET status = ?, assignee = ?, resolution = ?, notes = ?, updated_at = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			string(req.Status), req.Assignee, string(req.Resolution), encodeList(req.Notes), now.Unix(),
			nullableUnix(req.ResolvedAt), req.ID, string(upd.ExpectStatus),
		)
		if err != nil {
			return constraintErr("update review request", err)
		}
		if err := requireOneRow(res, "update review request"); err != nil {
			return err
		}

		if upd.GrantFixAttempts > 0 {
			res, err := tx.ExecContext(
				ctx,
				`UPDATE waves
				SET max_fix_attempts = MAX(max_fix_attempts, fix_attempts + ?), autofix_retries = autofix_retries + 1, updated_at = ?
				WHERE project_id = ? AND number = ? AND status = ? AND autofix_retries < ?`,
				upd.GrantFixAttempts, now.Unix(), req.ProjectID, req.WaveNumber,
				string(domain.WaveStatusInProgress), upd.AutofixLimit,
			)
			if err != nil {
				return fmt.Errorf("extend wave fix budget: %w", err)
			}
			if err := requireOneRow(res, "extend wave fix budget"); err != nil {
				return err
			}
		}

		if upd.WaveStatus != "" {
			res, err := tx.ExecContext(
				ctx,
				`UPDATE waves SET status = ?, completed_at = ?, updated_at = ?
				WHERE project_id = ? AND number = ? AND status = ?`,
				string(upd.WaveStatus), now.Unix(), now.Unix(), req.ProjectID, req.WaveNumber,
				string(domain.WaveStatusInProgress),
			)
			if err != nil {
				return fmt.Errorf("close reviewed wave: %w", err)
			}
			if err := requireOneRow(res, "close reviewed wave"); err != nil {
				return err
			}
		}

		if upd.ClearReviewFlag {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE projects SET human_review_required = 0, updated_at = ? WHERE id = ?`,
				now.Unix(), req.ProjectID,
			); err != nil {
				return fmt.Errorf("clear review flag: %w", err)
			}
		}

		if upd.ProjectPhase != "" {
			res, err := tx.ExecContext(
				ctx,
				`UPDATE projects SET phase = ?, last_error = ?, updated_at = ? WHERE id = ? AND phase = ?`,
				string(upd.ProjectPhase), upd.ProjectError, now.Unix(), req.ProjectID,
				string(domain.PhaseWaveExecution),
			)
			if err != nil {
				return fmt.Errorf("set project phase: %w", err)
			}
			if err := requireOneRow(res, "set project phase"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetReviewRequest(ctx context.Context, requestID string) (domain.ReviewRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_requests WHERE id = ?`, requestID)
	req, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ReviewRequest{}, fmt.Errorf("review request %s: %w", requestID, ErrNotFound)
		}
		return domain.ReviewRequest{}, fmt.Errorf("get review request: %w", err)
	}
	return req, nil
}

// GetActiveReviewRequest returns the pending or in_review request of a wave.
func (s *Store) GetActiveReviewRequest(ctx context.Context, projectID string, number int) (domain.ReviewRequest, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+reviewColumns+` FROM review_requests
		WHERE project_id = ? AND wave_number = ? AND status IN (?, ?)`,
		projectID, number, string(domain.ReviewStatusPending), string(domain.ReviewStatusInReview),
	)
	req, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ReviewRequest{}, fmt.Errorf("active review of %s/%d: %w", projectID, number, ErrNotFound)
		}
		return domain.ReviewRequest{}, fmt.Errorf("get active review request: %w", err)
	}
	return req, nil
}

// ListReviewRequests lists requests newest first. An empty projectID lists
// across all projects.
func (s *Store) ListReviewRequests(ctx context.Context, projectID string, activeOnly bool, limit int) ([]domain.ReviewRequest, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + reviewColumns + ` FROM review_requests WHERE 1 = 1`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if activeOnly {
		query += ` AND status IN (?, ?)`
		args = append(args, string(domain.ReviewStatusPending), string(domain.ReviewStatusInReview))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review requests: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ReviewRequest, 0)
	for rows.Next() {
		req, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review requests: %w", err)
	}
	return result, nil
}

func scanReview(row rowScanner) (domain.ReviewRequest, error) {
	var (
		r                          domain.ReviewRequest
		priority, status, resolved string
		critical, notes            string
		sent                       int
		created, updated           int64
		resolvedAt                 sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &r.ProjectID, &r.WaveNumber, &r.Reason, &priority, &status, &critical, &r.AttemptCount,
		&r.Assignee, &resolved, &notes, &sent, &created, &updated, &resolvedAt,
	); err != nil {
		return domain.ReviewRequest{}, err
	}
	r.Priority = domain.ReviewPriority(priority)
	r.Status = domain.ReviewStatus(status)
	r.Resolution = domain.ReviewResolution(resolved)
	r.CriticalIssues = decodeList[string](critical)
	r.Notes = decodeList[domain.ReviewNote](notes)
	r.NotificationSent = sent == 1
	r.CreatedAt = unixToTime(created)
	r.UpdatedAt = unixToTime(updated)
	r.ResolvedAt = int64ToTimePtr(resolvedAt)
	return r, nil
}
