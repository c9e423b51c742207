package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Resolved is the typed, defaulted view of Config consumed by the app layer.
type Resolved struct {
	ServerAddr   string
	TriggerToken string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool

	StoragePath string
	BusyTimeout time.Duration

	ClaimDriver    string
	StaleWindow    time.Duration
	RedisAddr      string
	RedisDB        int
	ClaimKeyPrefix string

	Location         *time.Location
	DailyQuota       int
	TickInterval     time.Duration
	TickBudget       time.Duration
	Concurrency      int
	ResumeTimeout    time.Duration
	ColdStartTimeout time.Duration
	ColdStartPerTick int
	BatchMin         int
	BatchMax         int
	SafetyFactor     float64
	RetryDelay       time.Duration
	MaxDailyRetries  int

	Grace      int
	ArcSize    int
	TailWindow int
	TailChars  int
	Threshold  int
	RulesPath  string

	CriticalRetries   int
	CriticalRetryBase time.Duration
	SynopsisEvery     int
	BibleAfter        int
	BibleRefreshEvery int
	FinaleLookahead   int

	Generation  GenerationConfig
	HTTPTimeout time.Duration

	TriggerCron string
	Alert       AlertConfig
	Logging     LoggingConfig
}

// Resolve applies defaults, parses durations and validates cross-field
// constraints. It never mutates cfg.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		r   Resolved
		err error
	)

	r.ServerAddr = orString(cfg.Server.Addr, ":8080")
	r.TriggerToken = strings.TrimSpace(cfg.Server.TriggerToken)
	r.Pprof = cfg.Server.Pprof
	if r.ReadTimeout, err = ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second); err != nil {
		return Resolved{}, err
	}
	if r.WriteTimeout, err = ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 330*time.Second); err != nil {
		return Resolved{}, err
	}

	r.StoragePath = orString(cfg.Storage.Path, "./storyloom.db")
	if r.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return Resolved{}, err
	}

	r.ClaimDriver = strings.ToLower(orString(cfg.Claim.Driver, "sqlite"))
	switch r.ClaimDriver {
	case "sqlite", "redis":
	default:
		return Resolved{}, errors.Newf("claim.driver: unknown driver %q", cfg.Claim.Driver)
	}
	if r.StaleWindow, err = ParseDurationOrDefault("claim.stale_window", cfg.Claim.StaleWindow, 4*time.Minute); err != nil {
		return Resolved{}, err
	}
	r.RedisAddr = orString(cfg.Claim.RedisAddr, "127.0.0.1:6379")
	r.RedisDB = cfg.Claim.RedisDB
	r.ClaimKeyPrefix = orString(cfg.Claim.KeyPrefix, "storyloom:claim:")

	tz := orString(cfg.Scheduler.Timezone, "Asia/Shanghai")
	loc, lerr := time.LoadLocation(tz)
	if lerr != nil {
		return Resolved{}, errors.Wrapf(lerr, "scheduler.timezone: %q", tz)
	}
	r.Location = loc
	r.DailyQuota = orInt(cfg.Scheduler.DailyQuota, 20)
	if r.TickInterval, err = ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 5*time.Minute); err != nil {
		return Resolved{}, err
	}
	if r.TickBudget, err = ParseDurationOrDefault("scheduler.tick_budget", cfg.Scheduler.TickBudget, 280*time.Second); err != nil {
		return Resolved{}, err
	}
	r.Concurrency = orInt(cfg.Scheduler.Concurrency, 5)
	if r.ResumeTimeout, err = ParseDurationOrDefault("scheduler.resume_timeout", cfg.Scheduler.ResumeTimeout, 150*time.Second); err != nil {
		return Resolved{}, err
	}
	if r.ColdStartTimeout, err = ParseDurationOrDefault("scheduler.cold_start_timeout", cfg.Scheduler.ColdStartTimeout, 240*time.Second); err != nil {
		return Resolved{}, err
	}
	r.ColdStartPerTick = orInt(cfg.Scheduler.ColdStartPerTick, 2)
	r.BatchMin = orInt(cfg.Scheduler.BatchMin, 5)
	r.BatchMax = orInt(cfg.Scheduler.BatchMax, 60)
	r.SafetyFactor = cfg.Scheduler.SafetyFactor
	if r.SafetyFactor <= 0 {
		r.SafetyFactor = 1.5
	}
	if r.RetryDelay, err = ParseDurationOrDefault("scheduler.retry_delay", cfg.Scheduler.RetryDelay, 10*time.Minute); err != nil {
		return Resolved{}, err
	}
	r.MaxDailyRetries = orInt(cfg.Scheduler.MaxDailyRetries, 12)

	if r.BatchMin > r.BatchMax {
		return Resolved{}, errors.Newf("scheduler.batch_min (%d) must be <= batch_max (%d)", r.BatchMin, r.BatchMax)
	}
	if r.ResumeTimeout >= r.TickBudget || r.ColdStartTimeout >= r.TickBudget {
		return Resolved{}, errors.New("scheduler: tier timeouts must be below tick_budget")
	}
	if r.ResumeTimeout > r.ColdStartTimeout {
		return Resolved{}, errors.New("scheduler.resume_timeout must not exceed cold_start_timeout")
	}
	if r.WriteTimeout <= r.TickBudget {
		return Resolved{}, errors.New("server.write_timeout must exceed scheduler.tick_budget")
	}

	r.Grace = orInt(cfg.Completion.Grace, 20)
	r.ArcSize = orInt(cfg.Completion.ArcSize, 20)
	r.TailWindow = orInt(cfg.Completion.TailWindow, 5)
	r.TailChars = orInt(cfg.Completion.TailChars, 800)
	r.Threshold = orInt(cfg.Completion.Threshold, 5)
	r.RulesPath = strings.TrimSpace(cfg.Completion.RulesPath)

	r.CriticalRetries = orInt(cfg.Pipeline.CriticalRetries, 3)
	if r.CriticalRetryBase, err = ParseDurationOrDefault("pipeline.retry_base", cfg.Pipeline.RetryBase, 500*time.Millisecond); err != nil {
		return Resolved{}, err
	}
	r.SynopsisEvery = orInt(cfg.Pipeline.SynopsisEvery, 5)
	r.BibleAfter = orInt(cfg.Pipeline.BibleAfter, 3)
	r.BibleRefreshEvery = orInt(cfg.Pipeline.BibleRefreshEvery, 50)
	r.FinaleLookahead = orInt(cfg.Pipeline.FinaleLookahead, r.ArcSize)

	r.Generation = cfg.Generation
	r.Generation.RatePerSec = orInt(r.Generation.RatePerSec, 2)
	r.Generation.Burst = orInt(r.Generation.Burst, 4)
	r.Generation.MaxTokens = orInt(r.Generation.MaxTokens, 4096)
	r.Generation.FallbackMaxTokens = orInt(r.Generation.FallbackMaxTokens, 2048)
	if r.HTTPTimeout, err = ParseDurationOrDefault("generation.http_timeout", cfg.Generation.HTTPTimeout, 0); err != nil {
		return Resolved{}, err
	}

	r.TriggerCron = strings.TrimSpace(cfg.Trigger.Cron)
	r.Alert = cfg.Alert
	r.Logging = cfg.Logging
	return r, nil
}

func orString(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
