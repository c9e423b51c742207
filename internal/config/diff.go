package config

import (
	"strings"

	logx "storyloom/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, API keys) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Server.Addr != newCfg.Server.Addr ||
		oldCfg.Server.ReadTimeout != newCfg.Server.ReadTimeout ||
		oldCfg.Server.WriteTimeout != newCfg.Server.WriteTimeout ||
		oldCfg.Server.TriggerToken != newCfg.Server.TriggerToken {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.TriggerToken) != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		// needs restart; the store is opened once.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Claim != newCfg.Claim {
		changed = append(changed, "claim")
		attrs = append(attrs,
			logx.String("claim.driver", newCfg.Claim.Driver),
			logx.String("claim.stale_window", newCfg.Claim.StaleWindow),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.daily_quota", newCfg.Scheduler.DailyQuota),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.String("scheduler.tick_budget", newCfg.Scheduler.TickBudget),
			logx.Int("scheduler.cold_start_per_tick", newCfg.Scheduler.ColdStartPerTick),
		)
	}

	if oldCfg.Completion != newCfg.Completion {
		changed = append(changed, "completion")
		attrs = append(attrs,
			logx.Int("completion.grace", newCfg.Completion.Grace),
			logx.Int("completion.arc_size", newCfg.Completion.ArcSize),
			logx.String("completion.rules_path", newCfg.Completion.RulesPath),
		)
	}

	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs, logx.Int("pipeline.critical_retries", newCfg.Pipeline.CriticalRetries))
	}

	if oldCfg.Generation != newCfg.Generation {
		changed = append(changed, "generation")
		attrs = append(attrs,
			logx.String("generation.base_url", newCfg.Generation.BaseURL),
			logx.String("generation.model", newCfg.Generation.Model),
			logx.String("generation.fallback_model", newCfg.Generation.FallbackModel),
			logx.Int("generation.rate_per_sec", newCfg.Generation.RatePerSec),
			logx.Bool("generation.api_key_set", strings.TrimSpace(newCfg.Generation.APIKey) != ""),
		)
	}

	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.cron", newCfg.Trigger.Cron))
	}

	if oldCfg.Alert != newCfg.Alert {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", newCfg.Alert.Enabled),
			logx.Int64("alert.chat_id", newCfg.Alert.ChatID),
			logx.Bool("alert.token_set", strings.TrimSpace(newCfg.Alert.TelegramToken) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// process restart. Generation is live for rate limits only.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "server", "storage", "claim", "completion", "pipeline", "trigger":
			out = append(out, s)
		}
	}
	return out
}
