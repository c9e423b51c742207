package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestManager(path string, env map[string]string) *Manager {
	m := NewManager(path)
	m.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return m
}

func TestParseFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "cfg.json",
			body: `{"scheduler":{"daily_quota":12,"tick_budget":"200s"},"claim":{"driver":"redis"}}`,
		},
		{
			name: "yaml",
			file: "cfg.yaml",
			body: "scheduler:\n  daily_quota: 12\n  tick_budget: 200s\nclaim:\n  driver: redis\n",
		},
		{
			name: "toml",
			file: "cfg.toml",
			body: "[scheduler]\ndaily_quota = 12\ntick_budget = \"200s\"\n[claim]\ndriver = \"redis\"\n",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newTestManager(writeFile(t, tt.file, tt.body), nil)
			cfg, err := m.Load()
			require.NoError(t, err)
			assert.Equal(t, 12, cfg.Scheduler.DailyQuota)
			assert.Equal(t, "redis", cfg.Claim.Driver)

			r, err := Resolve(cfg)
			require.NoError(t, err)
			assert.Equal(t, 200*time.Second, r.TickBudget)
			assert.Same(t, cfg, m.Get())
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeFile(t, "cfg.yaml", "scheduler:\n  daly_quota: 3\n"), nil)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daly_quota")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeFile(t, "cfg.json", `{"server":{}} {"server":{}}`), nil)
	_, err := m.Parse()
	require.Error(t, err)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeFile(t, "cfg.json", `{"server":{"trigger_token":"from-file"}}`), map[string]string{
		EnvTriggerToken:  "from-env",
		EnvGenerationKey: "sk-test",
		EnvStoragePath:   "  ",
	})
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.TriggerToken)
	assert.Equal(t, "sk-test", cfg.Generation.APIKey)
	assert.Empty(t, cfg.Storage.Path)
}

func TestEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := newTestManager("", nil).Load()
	require.NoError(t, err)

	r, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, 20, r.DailyQuota)
	assert.Equal(t, 5*time.Minute, r.TickInterval)
	assert.Equal(t, 280*time.Second, r.TickBudget)
	assert.Equal(t, 5, r.Concurrency)
	assert.Equal(t, 150*time.Second, r.ResumeTimeout)
	assert.Equal(t, 240*time.Second, r.ColdStartTimeout)
	assert.Equal(t, 2, r.ColdStartPerTick)
	assert.Equal(t, 4*time.Minute, r.StaleWindow)
	assert.Equal(t, 1.5, r.SafetyFactor)
	assert.Equal(t, 20, r.FinaleLookahead)
	assert.Equal(t, "Asia/Shanghai", r.Location.String())
	assert.Equal(t, "sqlite", r.ClaimDriver)
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown driver", cfg: Config{Claim: ClaimConfig{Driver: "etcd"}}},
		{name: "batch bounds", cfg: Config{Scheduler: SchedulerConfig{BatchMin: 10, BatchMax: 5}}},
		{name: "tier timeout over budget", cfg: Config{Scheduler: SchedulerConfig{ResumeTimeout: "300s"}}},
		{name: "resume over cold", cfg: Config{Scheduler: SchedulerConfig{ResumeTimeout: "200s", ColdStartTimeout: "100s"}}},
		{name: "write timeout too short", cfg: Config{Server: ServerConfig{WriteTimeout: "60s"}}},
		{name: "bad duration", cfg: Config{Scheduler: SchedulerConfig{TickInterval: "five minutes"}}},
		{name: "bad timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(&tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestSubscribeLatestWins(t *testing.T) {
	t.Parallel()
	m := newTestManager("", nil)
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Generation: GenerationConfig{APIKey: "a"}}
	newCfg := &Config{Generation: GenerationConfig{APIKey: "b"}, Scheduler: SchedulerConfig{Concurrency: 8}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"scheduler", "generation"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Empty(t, RestartRequired(changed))
	assert.Equal(t, []string{"claim"}, RestartRequired([]string{"scheduler", "claim"}))
}
