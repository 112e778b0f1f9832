package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"wavecrew/internal/domain"
	"wavecrew/internal/policy"
)

type testPolicy struct {
	allowed bool
}

func (p testPolicy) CanFileOperation(_ context.Context, _ domain.AgentType, _ domain.FileOperation, _ string) (bool, string, error) {
	if p.allowed {
		return true, "allowed", nil
	}
	return false, "denied", nil
}

type testLogger struct {
	entries []domain.DecisionLog
}

func (l *testLogger) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	l.entries = append(l.entries, entry)
	return nil
}

func TestWriteFileDeniedByPolicy(t *testing.T) {
	logger := &testLogger{}
	gw, err := NewGateway(t.TempDir(), testPolicy{allowed: false}, logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	_, err = gw.WriteFile(context.Background(), "p1", "task-1", domain.AgentBackend, "outputs/a.txt", []byte("test"))
	if !errors.Is(err, ErrForbiddenFileOperation) {
		t.Fatalf("expected ErrForbiddenFileOperation, got %v", err)
	}
	if len(logger.entries) != 1 {
		t.Fatalf("expected denied write to be logged, got %d entries", len(logger.entries))
	}
	if logger.entries[0].Action != "file_write_denied" || logger.entries[0].ProjectID != "p1" {
		t.Fatalf("unexpected log entry %+v", logger.entries[0])
	}
}

func TestWriteFileInsideProjectDirectory(t *testing.T) {
	root := t.TempDir()
	logger := &testLogger{}
	gw, err := NewGateway(root, policy.New(nil), logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	ref, err := gw.WriteFile(context.Background(), "p1", "schema", domain.AgentDatabase, "./migrations/001.sql", []byte("create table t(id int);"))
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	if ref != "p1/migrations/001.sql" {
		t.Fatalf("unexpected ref %q", ref)
	}
	raw, err := os.ReadFile(filepath.Join(root, "p1", "migrations", "001.sql"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(raw) != "create table t(id int);" {
		t.Fatalf("unexpected content %q", raw)
	}
	got, err := gw.ReadFile(context.Background(), "p1", domain.AgentCritic, "migrations/001.sql")
	if err != nil {
		t.Fatalf("gateway read: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("gateway read mismatch")
	}
	if len(logger.entries) != 1 || logger.entries[0].Action != "file_written" {
		t.Fatalf("expected one file_written entry, got %+v", logger.entries)
	}
}

func TestWriteFileRejectsEscapes(t *testing.T) {
	gw, err := NewGateway(t.TempDir(), testPolicy{allowed: true}, &testLogger{})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx := context.Background()

	for _, rel := range []string{"../other/secret.txt", "a/../../x", ".", ""} {
		if _, err := gw.WriteFile(ctx, "p1", "t", domain.AgentIntegration, rel, []byte("x")); err == nil {
			t.Fatalf("expected %q to be rejected", rel)
		}
	}
	for _, project := range []string{"", "..", "a/b"} {
		if _, err := gw.WriteFile(ctx, project, "t", domain.AgentIntegration, "ok.txt", []byte("x")); err == nil {
			t.Fatalf("expected project %q to be rejected", project)
		}
	}
}
