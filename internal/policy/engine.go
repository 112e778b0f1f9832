// Package policy decides which workspace paths an agent type may touch.
package policy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"wavecrew/internal/domain"
)

// ReportDir is writable by every agent; run manifests live there.
const ReportDir = ".wavecrew/"

// DefaultWriteScopes is used for agent types without configured scopes.
// A scope ending in "/" is a directory prefix, a scope without "/" is
// matched against the file name, anything else is a path.Match pattern.
var DefaultWriteScopes = map[domain.AgentType][]string{
	domain.AgentBackend:     {"api/", "server/", "internal/", "cmd/", "pkg/", "go.mod", "go.sum"},
	domain.AgentFrontend:    {"web/", "ui/", "frontend/", "public/", "*.html", "*.css"},
	domain.AgentDatabase:    {"db/", "migrations/", "schema/", "*.sql"},
	domain.AgentTesting:     {"tests/", "e2e/", "*_test.go", "*.test.js", "*.spec.ts"},
	domain.AgentCritic:      {"reviews/"},
	domain.AgentIntegration: {"*"},
	domain.AgentDeployment:  {"deploy/", ".github/", "Dockerfile", "*.yaml", "*.yml"},
}

type Engine struct {
	scopes map[domain.AgentType][]string
}

// New builds an engine from per-agent scopes layered over the defaults.
func New(scopes map[domain.AgentType][]string) *Engine {
	merged := make(map[domain.AgentType][]string, len(DefaultWriteScopes))
	for agent, s := range DefaultWriteScopes {
		merged[agent] = s
	}
	for agent, s := range scopes {
		if len(s) > 0 {
			merged[agent] = s
		}
	}
	return &Engine{scopes: merged}
}

func (e *Engine) Scopes(agent domain.AgentType) []string {
	return append([]string(nil), e.scopes[agent]...)
}

func (e *Engine) CanFileOperation(
	_ context.Context,
	agent domain.AgentType,
	operation domain.FileOperation,
	targetPath string,
) (bool, string, error) {
	if !agent.Valid() {
		return false, "", fmt.Errorf("check file operation: unknown agent type %q", agent)
	}
	switch operation {
	case domain.FileOperationRead:
		return true, "reads are unrestricted inside the workspace", nil
	case domain.FileOperationCreate, domain.FileOperationWrite:
	default:
		return false, "", fmt.Errorf("check file operation: unknown operation %q", operation)
	}

	clean := path.Clean(strings.TrimPrefix(targetPath, "./"))
	if strings.HasPrefix(clean, ReportDir) {
		return true, "report directory", nil
	}
	for _, scope := range e.scopes[agent] {
		if matchScope(scope, clean) {
			return true, "matches write scope " + scope, nil
		}
	}
	return false, fmt.Sprintf("%s is outside the write scope of %s agents", clean, agent), nil
}

func matchScope(scope, target string) bool {
	switch {
	case scope == "*":
		return true
	case strings.HasSuffix(scope, "/"):
		return strings.HasPrefix(target, scope) || target+"/" == scope
	case !strings.Contains(scope, "/"):
		ok, _ := path.Match(scope, path.Base(target))
		return ok
	default:
		ok, _ := path.Match(scope, target)
		return ok
	}
}
