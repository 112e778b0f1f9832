package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavecrew/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"
db_path = "/tmp/wavecrew.db"
workspace_root = "/tmp/ws"

[orchestrator]
relay_interval_ms = 100
max_wave_size = 4
pass_threshold = 85
max_autofix_retries = 3

[transport]
kind = "nats"
nats_url = "nats://localhost:4222"

[notify]
webhook_url = "https://hooks.example.com/review"
webhook_secret = "s3cret"

[agents.backend]
command = "codex"
args = ["exec", "{prompt}"]
write_scope = ["api/", "internal/"]

[agents.critic]
kind = "http"
endpoint = "https://critic.example.com/run"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/wavecrew.db", cfg.Server.DBPath)
	assert.Equal(t, 100*time.Millisecond, Millis(cfg.Orchestrator.RelayIntervalMS))
	assert.Equal(t, 4, cfg.Orchestrator.MaxWaveSize)
	assert.Equal(t, 85, cfg.Orchestrator.PassThreshold)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAutofixRetries)
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, "s3cret", cfg.Notify.WebhookSecret)

	backend := cfg.Agent(domain.AgentBackend)
	assert.Equal(t, AgentKindCommand, backend.Kind)
	assert.Equal(t, []string{"exec", "{prompt}"}, backend.Args)
	assert.Equal(t, AgentKindHTTP, cfg.Agent(domain.AgentCritic).Kind)
	assert.Equal(t, map[domain.AgentType][]string{
		domain.AgentBackend: {"api/", "internal/"},
	}, cfg.WriteScopes())
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadDefaultPathMissingUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, TransportInproc, cfg.Transport.Kind)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".wavecrew", "state.db"), cfg.Server.DBPath)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "[orchestrator]\nmax_wave_size = 4\n")
	t.Setenv("WAVECREW_ADDR", ":7000")
	t.Setenv("WAVECREW_MAX_WAVE_SIZE", "9")
	t.Setenv("WAVECREW_TASK_TIMEOUT", "90s")
	t.Setenv("WAVECREW_PASS_THRESHOLD", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 9, cfg.Orchestrator.MaxWaveSize)
	assert.Equal(t, 90*time.Second, Millis(cfg.Orchestrator.TaskTimeoutMS))
	assert.Equal(t, 0, cfg.Orchestrator.PassThreshold)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"transport kind": "[transport]\nkind = \"kafka\"\n",
		"dbos url":       "[transport]\nkind = \"dbos\"\n",
		"agent type":     "[agents.designer]\ncommand = \"x\"\n",
		"agent kind":     "[agents.backend]\nkind = \"grpc\"\n",
		"http endpoint":  "[agents.backend]\nkind = \"http\"\n",
		"threshold":      "[orchestrator]\npass_threshold = 120\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DBOS_SYSTEM_DATABASE_URL", "")
			t.Setenv("WAVECREW_DBOS_DATABASE_URL", "")
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 12, parseIntOrDefault("12", 3))
	assert.Equal(t, 3, parseIntOrDefault("x", 3))
	assert.Equal(t, 2*time.Minute, parseDurationOrDefault("2m", time.Second))
	assert.Equal(t, time.Second, parseDurationOrDefault("soon", time.Second))
}
