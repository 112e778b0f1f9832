package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"wavecrew/internal/domain"

	_ "modernc.org/sqlite"
)

// Store errors are the domain sentinels so callers can match them without
// importing this package.
var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	owner_contact TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	phase TEXT NOT NULL,
	plan_state TEXT NOT NULL,
	original_plan TEXT NULL,
	plan_revision INTEGER NOT NULL DEFAULT 0,
	plan_approved INTEGER NOT NULL DEFAULT 0,
	human_review_required INTEGER NOT NULL DEFAULT 0,
	deployment_requested INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_phase ON projects(phase, updated_at);

CREATE TABLE IF NOT EXISTS tasks (
	project_id TEXT NOT NULL,
	id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	phase_group TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 0,
	plan_order INTEGER NOT NULL,
	status TEXT NOT NULL,
	wave_number INTEGER NULL,
	review_score INTEGER NULL CHECK(review_score IS NULL OR (review_score >= 0 AND review_score <= 100)),
	critical_issues INTEGER NOT NULL DEFAULT 0 CHECK(critical_issues >= 0),
	fix_attempts INTEGER NOT NULL DEFAULT 0,
	remaining_issues TEXT NOT NULL DEFAULT '[]',
	output_ref TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(project_id, id),
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_wave ON tasks(project_id, wave_number);

CREATE TABLE IF NOT EXISTS waves (
	project_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	status TEXT NOT NULL,
	task_count INTEGER NOT NULL,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	fix_attempts INTEGER NOT NULL DEFAULT 0,
	max_fix_attempts INTEGER NOT NULL,
	autofix_retries INTEGER NOT NULL DEFAULT 0,
	escalated_to_human INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	PRIMARY KEY(project_id, number),
	CHECK(completed_count >= 0 AND failed_count >= 0),
	CHECK(completed_count + failed_count <= task_count),
	CHECK(fix_attempts <= max_fix_attempts),
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_waves_one_in_progress ON waves(project_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS review_requests (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	wave_number INTEGER NOT NULL,
	reason TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	critical_issues TEXT NOT NULL DEFAULT '[]',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	assignee TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '[]',
	notification_sent INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	resolved_at INTEGER NULL,
	FOREIGN KEY(project_id, wave_number) REFERENCES waves(project_id, number) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_review_requests_wave ON review_requests(project_id, wave_number) WHERE status <> 'cancelled';
CREATE INDEX IF NOT EXISTS idx_review_requests_status ON review_requests(status, created_at);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	payload TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	lease_until INTEGER NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_outbox_dispatch ON outbox(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_project ON outbox(project_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_project ON decision_log(project_id, created_at);
`

type Store struct {
	db *sql.DB
}

// Open connects to the database at dbPath. Pragmas are passed through the
// DSN so every pooled connection gets them, and transactions start with
// BEGIN IMMEDIATE so read-modify-write sequences take the write lock up
// front.
func Open(dbPath string) (*Store, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
		"busy_timeout(5000)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	dsn := "file:" + dbPath + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx %s: %w", name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// IsBusy reports whether err is SQLite lock contention worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func constraintErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "CHECK constraint failed") {
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func encodeList[T any](items []T) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList[T any](raw string) []T {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
