package app

import (
	"github.com/cockroachdb/errors"

	"storyloom/internal/alert"
	"storyloom/internal/claim"
	"storyloom/internal/completion"
	"storyloom/internal/config"
	"storyloom/internal/generation"
	"storyloom/internal/pipeline"
	"storyloom/internal/quota"
	"storyloom/internal/selector"
	"storyloom/internal/storage"
	"storyloom/internal/tick"
	logx "storyloom/pkg/logx"
)

func mapLogConfig(r config.Resolved) logx.Config {
	return logx.Config{
		Level:   r.Logging.Level,
		Console: r.Logging.Console,
		JSON:    r.Logging.JSON,
		File:    logx.FileConfig{Enabled: r.Logging.File.Enabled, Path: r.Logging.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    r.Alert.Enabled,
			MinLevel:   r.Alert.MinLevel,
			RatePerSec: r.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(r config.Resolved) storage.Config {
	return storage.Config{Path: r.StoragePath, BusyTimeout: r.BusyTimeout}
}

func mapRedisOptions(r config.Resolved) claim.RedisOptions {
	return claim.RedisOptions{Addr: r.RedisAddr, DB: r.RedisDB, KeyPrefix: r.ClaimKeyPrefix, Window: r.StaleWindow}
}

func mapQuotaOptions(r config.Resolved) quota.Options {
	return quota.Options{
		DailyTarget: r.DailyQuota,
		RetryDelay:  r.RetryDelay,
		MaxRetries:  r.MaxDailyRetries,
		Location:    r.Location,
	}
}

func mapTickOptions(r config.Resolved) tick.Options {
	return tick.Options{
		Selector: selector.Options{
			Grace:        r.Grace,
			DailyTarget:  r.DailyQuota,
			TickInterval: r.TickInterval,
			SafetyFactor: r.SafetyFactor,
			BatchMin:     r.BatchMin,
			BatchMax:     r.BatchMax,
			ColdCap:      r.ColdStartPerTick,
		},
		Budget:           r.TickBudget,
		Concurrency:      r.Concurrency,
		ResumeTimeout:    r.ResumeTimeout,
		ColdStartTimeout: r.ColdStartTimeout,
	}
}

func mapPipelineOptions(r config.Resolved) pipeline.Options {
	return pipeline.Options{
		CriticalRetries:   r.CriticalRetries,
		RetryBase:         r.CriticalRetryBase,
		SynopsisEvery:     r.SynopsisEvery,
		ArcSize:           r.ArcSize,
		BibleAfter:        r.BibleAfter,
		BibleRefreshEvery: r.BibleRefreshEvery,
		FinaleLookahead:   r.FinaleLookahead,
	}
}

func mapHTTPEngineOptions(r config.Resolved) generation.HTTPOptions {
	g := r.Generation
	return generation.HTTPOptions{
		BaseURL:           g.BaseURL,
		APIKey:            g.APIKey,
		Model:             g.Model,
		FallbackModel:     g.FallbackModel,
		MaxTokens:         g.MaxTokens,
		FallbackMaxTokens: g.FallbackMaxTokens,
		Timeout:           r.HTTPTimeout,
	}
}

func mapAlertOptions(r config.Resolved) alert.Options {
	return alert.Options{RatePerSec: r.Alert.RatePerSec}
}

// buildDetector uses the rule file at RulesPath (with its own threshold) when
// set, else the built-in rules at the configured threshold.
func buildDetector(r config.Resolved) (*completion.Detector, error) {
	rules := completion.DefaultRules().WithThreshold(r.Threshold)
	if r.RulesPath != "" {
		loaded, err := completion.LoadRules(r.RulesPath)
		if err != nil {
			return nil, errors.Wrap(err, "completion.rules_path")
		}
		rules = loaded
	}
	return completion.NewDetector(completion.Options{
		Grace:      r.Grace,
		ArcSize:    r.ArcSize,
		TailWindow: r.TailWindow,
		TailChars:  r.TailChars,
	}, rules), nil
}
