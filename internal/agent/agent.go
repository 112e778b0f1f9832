// Package agent runs dispatched tasks. Each agent type maps to exactly one
// Agent implementation; the Pool consumes dispatches, runs the agent under
// a timeout, writes its files through the workspace gateway, and reports a
// completion event back to the orchestrator.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"wavecrew/internal/domain"
)

var ErrUnknownAgentType = errors.New("unknown agent type")

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result is what an agent hands back for one task attempt.
type Result struct {
	Summary         string   `json:"summary"`
	Score           *int     `json:"score,omitempty"`
	CriticalIssues  *int     `json:"critical_issues,omitempty"`
	RemainingIssues []string `json:"remaining_issues,omitempty"`
	Files           []File   `json:"files"`
}

type Agent interface {
	Type() domain.AgentType
	Run(ctx context.Context, ev domain.DispatchEvent) (Result, error)
}

// Registry is the dispatch table from agent type to implementation.
type Registry struct {
	agents map[domain.AgentType]Agent
}

func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[domain.AgentType]Agent, len(agents))}
	for _, a := range agents {
		t := a.Type()
		if !t.Valid() {
			return nil, fmt.Errorf("register agent %q: %w", t, ErrUnknownAgentType)
		}
		if _, dup := r.agents[t]; dup {
			return nil, fmt.Errorf("register agent %q: already registered", t)
		}
		r.agents[t] = a
	}
	return r, nil
}

func (r *Registry) Lookup(t domain.AgentType) (Agent, error) {
	a, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("lookup agent %q: %w", t, ErrUnknownAgentType)
	}
	return a, nil
}

func (r *Registry) Types() []domain.AgentType {
	out := make([]domain.AgentType, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const resultSchema = `{
  "type":"object",
  "additionalProperties":false,
  "required":["summary","files"],
  "properties":{
    "summary":{"type":"string","minLength":1},
    "score":{"type":"integer","minimum":0,"maximum":100},
    "critical_issues":{"type":"integer","minimum":0},
    "remaining_issues":{"type":"array","items":{"type":"string"}},
    "files":{
      "type":"array",
      "items":{
        "type":"object",
        "additionalProperties":false,
        "required":["path","content"],
        "properties":{
          "path":{"type":"string","minLength":1},
          "content":{"type":"string"}
        }
      }
    }
  }
}`

func buildPrompt(ev domain.DispatchEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent of a build team.\n", ev.AgentType)
	b.WriteString("Return only valid JSON matching the provided output schema.\n")
	b.WriteString("Do not wrap output in markdown fences.\n")
	b.WriteString("Paths must be relative, must not start with '/' or contain '..'.\n")
	b.WriteString("Score your own work from 0 to 100 and count critical issues honestly.\n\n")
	b.WriteString("Task:\n")
	b.WriteString(ev.TaskInput.Title)
	b.WriteString("\n")
	if ev.TaskInput.Description != "" {
		b.WriteString("\nDescription:\n")
		b.WriteString(ev.TaskInput.Description)
		b.WriteString("\n")
	}
	if ev.TaskInput.Phase != "" {
		fmt.Fprintf(&b, "\nPhase: %s\n", ev.TaskInput.Phase)
	}
	if len(ev.TaskInput.Dependencies) > 0 {
		b.WriteString("\nOutputs of completed dependencies:\n")
		for _, dep := range ev.TaskInput.Dependencies {
			ref := dep.OutputRef
			if ref == "" {
				ref = "(no output recorded)"
			}
			fmt.Fprintf(&b, "- %s: %s\n", dep.TaskID, ref)
			if dep.Summary != "" {
				fmt.Fprintf(&b, "  summary: %s\n", dep.Summary)
			}
			if len(dep.Files) > 0 {
				fmt.Fprintf(&b, "  files: %s\n", strings.Join(dep.Files, ", "))
			}
		}
	}
	if len(ev.TaskInput.FixContext) > 0 {
		fmt.Fprintf(&b, "\nAttempt %d. The previous attempt fell short; fix these issues:\n", ev.Attempt)
		for _, issue := range ev.TaskInput.FixContext {
			b.WriteString("- ")
			b.WriteString(issue)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// parseResult accepts bare JSON, fenced JSON, or JSON surrounded by chatter.
func parseResult(raw []byte) (Result, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var res Result
	err := json.Unmarshal([]byte(text), &res)
	if err == nil {
		return res, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Result{}, err
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func validateRelativePath(p string) error {
	value := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	value = strings.TrimPrefix(value, "./")
	if value == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(value, "/") {
		return fmt.Errorf("absolute path is not allowed")
	}
	clean := filepath.ToSlash(filepath.Clean(value))
	if clean == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes root")
	}
	return nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
