package config

import (
	"fmt"
	"os"
	"time"
)

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			*dst = parseIntOrDefault(v, *dst)
		}
	}
	setMillis := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			*dst = int(parseDurationOrDefault(v, Millis(*dst)) / time.Millisecond)
		}
	}

	setString("WAVECREW_ADDR", &cfg.Server.Addr)
	setString("WAVECREW_DB_PATH", &cfg.Server.DBPath)
	setString("WAVECREW_WORKSPACE_ROOT", &cfg.Server.WorkspaceRoot)

	setMillis("WAVECREW_RELAY_INTERVAL", &cfg.Orchestrator.RelayIntervalMS)
	setMillis("WAVECREW_RETRY_DELAY", &cfg.Orchestrator.RetryDelayMS)
	setInt("WAVECREW_MAX_RETRIES", &cfg.Orchestrator.MaxRetries)
	setMillis("WAVECREW_STALE_AFTER", &cfg.Orchestrator.StaleAfterMS)
	setInt("WAVECREW_MAX_WAVE_SIZE", &cfg.Orchestrator.MaxWaveSize)
	setInt("WAVECREW_PASS_THRESHOLD", &cfg.Orchestrator.PassThreshold)
	setInt("WAVECREW_MAX_FIX_ATTEMPTS", &cfg.Orchestrator.MaxFixAttempts)
	setInt("WAVECREW_MAX_AUTOFIX_RETRIES", &cfg.Orchestrator.MaxAutofixRetries)
	setMillis("WAVECREW_TASK_TIMEOUT", &cfg.Orchestrator.TaskTimeoutMS)
	setInt("WAVECREW_AGENT_WORKERS", &cfg.Orchestrator.AgentWorkers)

	setString("WAVECREW_TRANSPORT", &cfg.Transport.Kind)
	setString("WAVECREW_NATS_URL", &cfg.Transport.NATSURL)
	setString("DBOS_SYSTEM_DATABASE_URL", &cfg.Transport.DBOSDatabaseURL)
	setString("WAVECREW_DBOS_DATABASE_URL", &cfg.Transport.DBOSDatabaseURL)

	setString("WAVECREW_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	setString("WAVECREW_WEBHOOK_SECRET", &cfg.Notify.WebhookSecret)
	setString("WAVECREW_DEPLOY_WEBHOOK_URL", &cfg.Notify.DeployWebhookURL)
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
