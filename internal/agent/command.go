package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"wavecrew/internal/domain"
)

type CommandConfig struct {
	Type    domain.AgentType
	Command string
	// Args may reference {prompt}, {schema}, {output} and {agent}.
	Args    []string
	Workdir string
	Env     []string
}

// DefaultCommandArgs drive `codex exec` with a structured output schema.
var DefaultCommandArgs = []string{
	"exec",
	"--skip-git-repo-check",
	"--output-schema",
	"{schema}",
	"-o",
	"{output}",
	"{prompt}",
}

// CommandAgent runs an external CLI per task. The dispatch event is also
// written to the process's stdin. The result is read from {output} when the
// command wrote it and from stdout otherwise.
type CommandAgent struct {
	cfg CommandConfig
}

func NewCommandAgent(cfg CommandConfig) (*CommandAgent, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("command agent %q: %w", cfg.Type, ErrUnknownAgentType)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = "codex"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultCommandArgs
	}
	if strings.TrimSpace(cfg.Workdir) == "" {
		cfg.Workdir = "."
	}
	return &CommandAgent{cfg: cfg}, nil
}

func (c *CommandAgent) Type() domain.AgentType {
	return c.cfg.Type
}

func (c *CommandAgent) Run(ctx context.Context, ev domain.DispatchEvent) (Result, error) {
	schemaFile, err := os.CreateTemp("", "wavecrew_schema_*.json")
	if err != nil {
		return Result{}, fmt.Errorf("create schema temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(schemaFile.Name())
	}()
	defer schemaFile.Close()
	if _, err := schemaFile.WriteString(resultSchema); err != nil {
		return Result{}, fmt.Errorf("write schema file: %w", err)
	}

	outFile, err := os.CreateTemp("", "wavecrew_output_*.json")
	if err != nil {
		return Result{}, fmt.Errorf("create output temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(outFile.Name())
	}()
	outFile.Close()

	replacer := strings.NewReplacer(
		"{prompt}", buildPrompt(ev),
		"{schema}", schemaFile.Name(),
		"{output}", outFile.Name(),
		"{agent}", string(c.cfg.Type),
	)
	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		args[i] = replacer.Replace(a)
	}

	stdin, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("encode dispatch: %w", err)
	}
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.Dir = c.cfg.Workdir
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"WAVECREW_PROJECT_ID="+ev.ProjectID,
		"WAVECREW_TASK_ID="+ev.TaskID,
		"WAVECREW_AGENT_TYPE="+string(ev.AgentType),
		"WAVECREW_WAVE="+strconv.Itoa(ev.WaveNumber),
		"WAVECREW_ATTEMPT="+strconv.Itoa(ev.Attempt),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%s exec failed: %w; output: %s", c.cfg.Command, err, trim(stderr.String()+stdout.String(), 800))
	}

	raw, err := os.ReadFile(outFile.Name())
	if err != nil {
		return Result{}, fmt.Errorf("read %s output: %w", c.cfg.Command, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = stdout.Bytes()
	}
	res, err := parseResult(raw)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s output: %w; output: %s", c.cfg.Command, err, trim(string(raw), 800))
	}
	return res, nil
}
