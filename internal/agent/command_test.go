package agent

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavecrew/internal/domain"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandAgentReadsStdout(t *testing.T) {
	requireShell(t)
	a, err := NewCommandAgent(CommandConfig{
		Type:    domain.AgentDatabase,
		Command: "sh",
		Args: []string{"-c", `cat >/dev/null; printf '{"summary":"%s %s","score":91,"files":[{"path":"migrations/001.sql","content":"create table t(id int);"}]}' "$WAVECREW_TASK_ID" "$WAVECREW_ATTEMPT"`},
		Workdir: t.TempDir(),
	})
	require.NoError(t, err)

	res, err := a.Run(context.Background(), domain.DispatchEvent{ProjectID: "p1", TaskID: "schema", AgentType: domain.AgentDatabase, Attempt: 1, WaveNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, "schema 1", res.Summary)
	require.NotNil(t, res.Score)
	assert.Equal(t, 91, *res.Score)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "migrations/001.sql", res.Files[0].Path)
}

func TestCommandAgentPrefersOutputFile(t *testing.T) {
	requireShell(t)
	a, err := NewCommandAgent(CommandConfig{
		Type:    domain.AgentFrontend,
		Command: "sh",
		Args:    []string{"-c", `echo noise; printf '{"summary":"from file","files":[]}' > "$1"`, "sh", "{output}"},
	})
	require.NoError(t, err)

	res, err := a.Run(context.Background(), domain.DispatchEvent{TaskID: "ui", AgentType: domain.AgentFrontend})
	require.NoError(t, err)
	assert.Equal(t, "from file", res.Summary)
}

func TestCommandAgentFailures(t *testing.T) {
	requireShell(t)
	failing, err := NewCommandAgent(CommandConfig{
		Type:    domain.AgentBackend,
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	})
	require.NoError(t, err)
	_, err = failing.Run(context.Background(), domain.DispatchEvent{TaskID: "api"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	slow, err := NewCommandAgent(CommandConfig{
		Type:    domain.AgentBackend,
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = slow.Run(ctx, domain.DispatchEvent{TaskID: "api"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewCommandAgentDefaults(t *testing.T) {
	a, err := NewCommandAgent(CommandConfig{Type: domain.AgentCritic})
	require.NoError(t, err)
	assert.Equal(t, "codex", a.cfg.Command)
	assert.Equal(t, DefaultCommandArgs, a.cfg.Args)
	assert.Equal(t, ".", a.cfg.Workdir)

	_, err = NewCommandAgent(CommandConfig{Type: "designer"})
	assert.ErrorIs(t, err, ErrUnknownAgentType)
}
