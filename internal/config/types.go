package config

// Config is the on-disk configuration document.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "4m").
// Secrets (trigger token, API keys, telegram token) may be supplied through
// STORYLOOM_* environment variables instead of the file; see applyEnv.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Claim      ClaimConfig      `json:"claim"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Completion CompletionConfig `json:"completion"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Generation GenerationConfig `json:"generation"`
	Trigger    TriggerConfig    `json:"trigger"`
	Alert      AlertConfig      `json:"alert"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig controls the HTTP trigger endpoint.
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"`          // default ":8080"
	TriggerToken string `json:"trigger_token,omitempty"` // shared bearer secret (do not log)
	ReadTimeout  string `json:"read_timeout,omitempty"`  // default "10s"
	// WriteTimeout must exceed scheduler.tick_budget so the summary can always be flushed.
	WriteTimeout string `json:"write_timeout,omitempty"` // default "330s"
	// Pprof mounts net/http/pprof under /debug, behind the trigger token.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig controls the SQLite datastore.
type StorageConfig struct {
	Path        string `json:"path,omitempty"`         // default "./storyloom.db"
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// ClaimConfig selects the distributed claim backend.
//
// Driver values:
//   - "sqlite": last-touched fence on the projects table (default)
//   - "redis": SET NX PX lease per project
type ClaimConfig struct {
	Driver      string `json:"driver,omitempty"`
	StaleWindow string `json:"stale_window,omitempty"` // default "4m"
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisDB     int    `json:"redis_db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"` // default "storyloom:claim:"
}

// SchedulerConfig holds the per-tick tuning knobs. Hot-reloadable.
type SchedulerConfig struct {
	// Timezone is the reference zone for calendar days (IANA name).
	Timezone         string  `json:"timezone,omitempty"`
	DailyQuota       int     `json:"daily_quota,omitempty"`
	TickInterval     string  `json:"tick_interval,omitempty"`
	TickBudget       string  `json:"tick_budget,omitempty"`
	Concurrency      int     `json:"concurrency,omitempty"`
	ResumeTimeout    string  `json:"resume_timeout,omitempty"`
	ColdStartTimeout string  `json:"cold_start_timeout,omitempty"`
	ColdStartPerTick int     `json:"cold_start_per_tick,omitempty"`
	BatchMin         int     `json:"batch_min,omitempty"`
	BatchMax         int     `json:"batch_max,omitempty"`
	SafetyFactor     float64 `json:"safety_factor,omitempty"`
	RetryDelay       string  `json:"retry_delay,omitempty"`
	MaxDailyRetries  int     `json:"max_daily_retries,omitempty"`
}

// CompletionConfig controls the completion detector.
type CompletionConfig struct {
	Grace      int `json:"grace,omitempty"`
	ArcSize    int `json:"arc_size,omitempty"`
	TailWindow int `json:"tail_window,omitempty"`
	TailChars  int `json:"tail_chars,omitempty"`
	Threshold  int `json:"threshold,omitempty"`
	// RulesPath optionally points to a YAML rule file replacing the built-in
	// natural-ending rules.
	RulesPath string `json:"rules_path,omitempty"`
}

// PipelineConfig controls post-write cadences and critical retries.
type PipelineConfig struct {
	CriticalRetries   int    `json:"critical_retries,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	SynopsisEvery     int    `json:"synopsis_every,omitempty"`
	BibleAfter        int    `json:"bible_after,omitempty"`
	BibleRefreshEvery int    `json:"bible_refresh_every,omitempty"`
	// FinaleLookahead is how close to the target a new block outline gets
	// flagged as the last one. Defaults to completion.arc_size.
	FinaleLookahead int `json:"finale_lookahead,omitempty"`
}

// GenerationConfig configures the OpenAI-compatible generation engine.
type GenerationConfig struct {
	BaseURL           string `json:"base_url,omitempty"`
	APIKey            string `json:"api_key,omitempty"` // do not log
	Model             string `json:"model,omitempty"`
	FallbackModel     string `json:"fallback_model,omitempty"`
	MaxTokens         int    `json:"max_tokens,omitempty"`
	FallbackMaxTokens int    `json:"fallback_max_tokens,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	Burst             int    `json:"burst,omitempty"`
	// HTTPTimeout caps a single request. Empty means the task deadline decides.
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// TriggerConfig controls the optional in-process self-trigger used by `serve`.
//
// Cron is a robfig/cron spec ("@every 5m", "*/5 * * * *"). Empty disables it;
// the HTTP endpoint remains the primary trigger.
type TriggerConfig struct {
	Cron string `json:"cron,omitempty"`
}

// AlertConfig controls the Telegram alert notifier.
type AlertConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"` // do not log
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	// MinLevel relays log records at or above this level ("warn" default).
	MinLevel string `json:"min_level,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
