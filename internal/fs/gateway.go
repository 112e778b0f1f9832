// Package fs is the only way agents touch the workspace. Every project gets
// its own directory under the root, and writes are checked against the
// policy engine and recorded in the decision log.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wavecrew/internal/domain"
)

var ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")

type Policy interface {
	CanFileOperation(ctx context.Context, agent domain.AgentType, operation domain.FileOperation, targetPath string) (bool, string, error)
}

type DecisionLogger interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Gateway struct {
	root   string
	policy Policy
	logger DecisionLogger
}

func NewGateway(root string, policy Policy, logger DecisionLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:   absRoot,
		policy: policy,
		logger: logger,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// WriteFile writes content to relPath inside the project's directory and
// returns the workspace-relative path of the written file.
func (g *Gateway) WriteFile(ctx context.Context, projectID, taskID string, agent domain.AgentType, relPath string, content []byte) (string, error) {
	op := domain.FileOperationCreate
	absPath, normalized, err := g.resolve(projectID, relPath)
	if err != nil {
		g.record(ctx, projectID, taskID, agent, "file_write_denied", err.Error(), op, relPath)
		return "", err
	}
	if _, statErr := os.Stat(absPath); statErr == nil {
		op = domain.FileOperationWrite
	}

	allowed, reason, err := g.policy.CanFileOperation(ctx, agent, op, normalized)
	if err != nil {
		return "", fmt.Errorf("policy check write file: %w", err)
	}
	if !allowed {
		g.record(ctx, projectID, taskID, agent, "file_write_denied", reason, op, normalized)
		return "", fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	g.record(ctx, projectID, taskID, agent, "file_written", reason, op, normalized)
	return filepath.ToSlash(filepath.Join(projectID, filepath.FromSlash(normalized))), nil
}

func (g *Gateway) ReadFile(ctx context.Context, projectID string, agent domain.AgentType, relPath string) ([]byte, error) {
	absPath, normalized, err := g.resolve(projectID, relPath)
	if err != nil {
		return nil, err
	}

	allowed, reason, err := g.policy.CanFileOperation(ctx, agent, domain.FileOperationRead, normalized)
	if err != nil {
		return nil, fmt.Errorf("policy check read file: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) record(ctx context.Context, projectID, taskID string, agent domain.AgentType, action, reason string, op domain.FileOperation, path string) {
	if g.logger == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"task_id":   taskID,
		"operation": op,
		"path":      path,
	})
	_ = g.logger.LogDecision(ctx, domain.DecisionLog{
		ProjectID: projectID,
		Actor:     "agent:" + string(agent),
		Action:    action,
		Reason:    reason,
		Payload:   payload,
	})
}

func (g *Gateway) resolve(projectID, relPath string) (absolute string, normalized string, err error) {
	project := strings.TrimSpace(projectID)
	if project == "" || strings.ContainsAny(project, `/\`) || project == "." || project == ".." {
		return "", "", fmt.Errorf("invalid project id %q", projectID)
	}
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	base := filepath.Join(g.root, project)
	absClean := filepath.Clean(filepath.Join(base, filepath.FromSlash(normalized)))

	rel, err := filepath.Rel(base, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path escapes project workspace: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}
