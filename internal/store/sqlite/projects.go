package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wavecrew/internal/domain"
)

const projectColumns = `id, owner_id, owner_contact, name, phase, plan_state, original_plan, plan_revision,
	plan_approved, human_review_required, deployment_requested, last_error, created_at, updated_at`

func (s *Store) CreateProject(ctx context.Context, p domain.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Phase == "" {
		p.Phase = domain.PhasePlanning
	}
	plan, original, err := encodeProjectPlans(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO projects(`+projectColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.OwnerContact, p.Name, string(p.Phase), plan, original, p.PlanRevision,
		boolInt(p.PlanApproved), boolInt(p.HumanReviewRequired), boolInt(p.DeploymentRequested),
		p.LastError, p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return constraintErr("create project", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return getProject(ctx, s.db, projectID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProject(ctx context.Context, q queryRower, projectID string) (domain.Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return result, nil
}

// ListProjectsInPhase returns project ids currently in phase, oldest first.
func (s *Store) ListProjectsInPhase(ctx context.Context, phase domain.ProjectPhase) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects WHERE phase = ? ORDER BY created_at ASC`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("list projects in phase: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project ids: %w", err)
	}
	return ids, nil
}

// UpdateProject runs fn against the current record and writes the result
// back in the same transaction. Returning an error from fn aborts the update.
func (s *Store) UpdateProject(ctx context.Context, projectID string, fn func(*domain.Project) error) (domain.Project, error) {
	var out domain.Project
	err := s.withTx(ctx, "update project", func(tx *sql.Tx) error {
		p, err := getProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		plan, original, err := encodeProjectPlans(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE projects
			SET owner_contact = ?, name = ?, phase = ?, plan_state = ?, original_plan = ?, plan_revision = ?,
				plan_approved = ?, human_review_required = ?, deployment_requested = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			p.OwnerContact, p.Name, string(p.Phase), plan, original, p.PlanRevision,
			boolInt(p.PlanApproved), boolInt(p.HumanReviewRequired), boolInt(p.DeploymentRequested),
			p.LastError, p.UpdatedAt.Unix(), p.ID,
		)
		if err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// StartExecution moves an approved project from plan_review into
// wave_execution, materialises its tasks and opens the first wave with its
// dispatch messages, all in one transaction.
func (s *Store) StartExecution(ctx context.Context, projectID string, expectRevision int, tasks []domain.Task, first domain.Wave, taskIDs []string, msgs []domain.Message) error {
	return s.withTx(ctx, "start execution", func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE projects SET phase = ?, plan_approved = 1, last_error = '', updated_at = ?
			WHERE id = ? AND phase = ? AND plan_revision = ?`,
			string(domain.PhaseWaveExecution), now, projectID, string(domain.PhasePlanReview), expectRevision,
		)
		if err != nil {
			return fmt.Errorf("approve project: %w", err)
		}
		if err := requireOneRow(res, "approve project"); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return createWaveTx(ctx, tx, first, taskIDs, msgs)
	})
}

func (s *Store) CompleteProject(ctx context.Context, projectID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET phase = ?, human_review_required = 0, updated_at = ?
		WHERE id = ? AND phase = ?`,
		string(domain.PhaseComplete), time.Now().UTC().Unix(), projectID, string(domain.PhaseWaveExecution),
	)
	if err != nil {
		return false, fmt.Errorf("complete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete project rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) MarkDeploymentRequested(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET deployment_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), projectID,
	)
	if err != nil {
		return fmt.Errorf("mark deployment requested: %w", err)
	}
	return nil
}

// FailProject halts a project that is still planning or executing.
func (s *Store) FailProject(ctx context.Context, projectID, reason string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET phase = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND phase IN (?, ?)`,
		string(domain.PhaseFailed), reason, time.Now().UTC().Unix(), projectID,
		string(domain.PhasePlanReview), string(domain.PhaseWaveExecution),
	)
	if err != nil {
		return false, fmt.Errorf("fail project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail project rows affected: %w", err)
	}
	return n == 1, nil
}

func encodeProjectPlans(p domain.Project) (string, any, error) {
	plan, err := domain.EncodePlanState(p.Plan)
	if err != nil {
		return "", nil, err
	}
	var original any
	if p.OriginalPlan != nil {
		data, err := json.Marshal(p.OriginalPlan)
		if err != nil {
			return "", nil, fmt.Errorf("encode original plan: %w", err)
		}
		original = string(data)
	}
	return string(plan), original, nil
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                                    domain.Project
		phase, planState                     string
		original                             sql.NullString
		approved, reviewRequired, deployment int
		created, updated                     int64
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.OwnerContact, &p.Name, &phase, &planState, &original, &p.PlanRevision,
		&approved, &reviewRequired, &deployment, &p.LastError, &created, &updated,
	); err != nil {
		return domain.Project{}, err
	}
	state, err := domain.DecodePlanState([]byte(planState))
	if err != nil {
		return domain.Project{}, err
	}
	p.Plan = state
	if original.Valid && original.String != "" {
		var plan domain.Plan
		if err := json.Unmarshal([]byte(original.String), &plan); err != nil {
			return domain.Project{}, fmt.Errorf("decode original plan: %w", err)
		}
		p.OriginalPlan = &plan
	}
	p.Phase = domain.ProjectPhase(phase)
	p.PlanApproved = approved == 1
	p.HumanReviewRequired = reviewRequired == 1
	p.DeploymentRequested = deployment == 1
	p.CreatedAt = unixToTime(created)
	p.UpdatedAt = unixToTime(updated)
	return p, nil
}
