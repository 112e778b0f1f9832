package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"wavecrew/internal/domain"
)

const (
	TransportInproc = "inproc"
	TransportNATS   = "nats"
	TransportDBOS   = "dbos"

	AgentKindCommand = "command"
	AgentKindHTTP    = "http"
)

type Config struct {
	Server       ServerConfig           `toml:"server"`
	Orchestrator OrchestratorConfig     `toml:"orchestrator"`
	Transport    TransportConfig        `toml:"transport"`
	Notify       NotifyConfig           `toml:"notify"`
	Agents       map[string]AgentConfig `toml:"agents"`
	Path         string                 `toml:"-"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`
}

// OrchestratorConfig mirrors orchestrator.Config; zero values fall back to
// that package's defaults.
type OrchestratorConfig struct {
	RelayIntervalMS     int `toml:"relay_interval_ms"`
	RelayBatch          int `toml:"relay_batch"`
	RelayConcurrency    int `toml:"relay_concurrency"`
	RetryDelayMS        int `toml:"retry_delay_ms"`
	MaxRetryDelayMS     int `toml:"max_retry_delay_ms"`
	MaxRetries          int `toml:"max_retries"`
	WatchdogIntervalMS  int `toml:"watchdog_interval_ms"`
	StaleAfterMS        int `toml:"stale_after_ms"`
	MaxWaveSize         int `toml:"max_wave_size"`
	PassThreshold       int `toml:"pass_threshold"`
	MaxFixAttempts      int `toml:"max_fix_attempts"`
	ExtendedFixAttempts int `toml:"extended_fix_attempts"`
	MaxAutofixRetries   int `toml:"max_autofix_retries"`
	TaskTimeoutMS       int `toml:"task_timeout_ms"`
	AgentWorkers        int `toml:"agent_workers"`
}

type TransportConfig struct {
	Kind              string `toml:"kind"`
	BusBuffer         int    `toml:"bus_buffer"`
	NATSURL           string `toml:"nats_url"`
	NATSStream        string `toml:"nats_stream"`
	NATSSubjectPrefix string `toml:"nats_subject_prefix"`
	DBOSDatabaseURL   string `toml:"dbos_database_url"`
	DBOSAppName       string `toml:"dbos_app_name"`
}

type NotifyConfig struct {
	WebhookURL        string `toml:"webhook_url"`
	WebhookSecret     string `toml:"webhook_secret"`
	NATSSubject       string `toml:"nats_subject"`
	DeployWebhookURL  string `toml:"deploy_webhook_url"`
	DeployNATSSubject string `toml:"deploy_nats_subject"`
	NATSURL           string `toml:"nats_url"`
	TimeoutMS         int    `toml:"timeout_ms"`
}

type AgentConfig struct {
	Kind       string   `toml:"kind"`
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	Workdir    string   `toml:"workdir"`
	Endpoint   string   `toml:"endpoint"`
	AuthToken  string   `toml:"auth_token"`
	TimeoutMS  int      `toml:"timeout_ms"`
	WriteScope []string `toml:"write_scope"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			DBPath:        "~/.wavecrew/state.db",
			WorkspaceRoot: "~/.wavecrew/workspace",
		},
		Transport: TransportConfig{Kind: TransportInproc},
		Agents:    map[string]AgentConfig{},
	}
}

// Load reads the TOML file at path (default ~/.wavecrew/config.toml), applies
// WAVECREW_* environment overrides and validates the result. A missing file
// at the default path yields the defaults.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		cfg.Path = resolved
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	applyEnv(&cfg)
	if cfg.Server.DBPath, err = expandHome(cfg.Server.DBPath); err != nil {
		return Config{}, err
	}
	if cfg.Server.WorkspaceRoot, err = expandHome(cfg.Server.WorkspaceRoot); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportInproc, TransportNATS, TransportDBOS:
	default:
		return fmt.Errorf("transport.kind %q: want %s, %s or %s", c.Transport.Kind, TransportInproc, TransportNATS, TransportDBOS)
	}
	if c.Transport.Kind == TransportDBOS && strings.TrimSpace(c.Transport.DBOSDatabaseURL) == "" {
		return fmt.Errorf("transport.dbos_database_url is required for the dbos transport")
	}
	for name, a := range c.Agents {
		if !domain.AgentType(name).Valid() {
			return fmt.Errorf("agents.%s: unknown agent type", name)
		}
		switch a.Kind {
		case "", AgentKindCommand:
		case AgentKindHTTP:
			if strings.TrimSpace(a.Endpoint) == "" {
				return fmt.Errorf("agents.%s: endpoint is required for http agents", name)
			}
		default:
			return fmt.Errorf("agents.%s: kind %q: want %s or %s", name, a.Kind, AgentKindCommand, AgentKindHTTP)
		}
	}
	o := c.Orchestrator
	if o.PassThreshold < 0 || o.PassThreshold > 100 {
		return fmt.Errorf("orchestrator.pass_threshold %d outside 0..100", o.PassThreshold)
	}
	return nil
}

// Agent returns the configuration for one agent type; unconfigured types
// get a command agent with default settings.
func (c Config) Agent(t domain.AgentType) AgentConfig {
	a := c.Agents[string(t)]
	if a.Kind == "" {
		a.Kind = AgentKindCommand
	}
	return a
}

// WriteScopes collects the configured per-agent write scopes.
func (c Config) WriteScopes() map[domain.AgentType][]string {
	out := make(map[domain.AgentType][]string)
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if scope := c.Agents[name].WriteScope; len(scope) > 0 {
			out[domain.AgentType(name)] = scope
		}
	}
	return out
}

// Millis converts a *_ms setting to a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wavecrew/config.toml"
	}
	return filepath.Join(home, ".wavecrew", "config.toml")
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}
