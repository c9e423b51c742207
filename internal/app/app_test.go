package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/config"
	"storyloom/internal/storage"
	"storyloom/internal/tick"
)

// fakeModel answers every chat completion with a titled chapter.
func fakeModel(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "# Morning\n\nThe caravan left the city at dawn."},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, extra string, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`server:
  trigger_token: secret
storage:
  path: %s
scheduler:
  timezone: UTC
  daily_quota: 10
generation:
  base_url: %s/v1
  model: big
  fallback_model: small
  rate_per_sec: 100
logging:
  level: error
  console: false
%s`, filepath.Join(dir, "storyloom.db"), baseURL, extra)
	p := filepath.Join(dir, "storyloom.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newApp(t *testing.T, extra string) *App {
	t.Helper()
	a, err := New(context.Background(), writeConfig(t, extra, fakeModel(t).URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// makeDue inserts today's quota row already due so the run does not depend
// on the wall clock.
func makeDue(t *testing.T, st *storage.Store, ids ...string) {
	t.Helper()
	now := time.Now().UTC()
	for _, id := range ids {
		_, err := st.InsertQuotaIfAbsent(context.Background(), storage.DailyQuota{
			ProjectID: id,
			Day:       now.Format("2006-01-02"),
			Target:    10,
			NextDueAt: now.Add(-time.Minute),
			Status:    storage.QuotaActive,
		})
		require.NoError(t, err)
	}
}

func TestTickWritesChapters(t *testing.T) {
	a := newApp(t, "")
	ctx := context.Background()
	st := a.Store()
	require.NoError(t, st.CreateProject(ctx, storage.Project{ID: "fresh", Title: "Fresh", OutputID: "out-fresh", Target: 100}))
	require.NoError(t, st.CreateProject(ctx, storage.Project{ID: "warm", Title: "Warm", OutputID: "out-warm", Cursor: 7, Target: 100}))
	makeDue(t, st, "fresh", "warm")

	sum, err := a.Tick(ctx)
	require.NoError(t, err)
	require.False(t, sum.Aborted(), sum.Error)
	assert.Equal(t, tick.TierCounts{Resume: 1, ColdStart: 1}, sum.Claimed)
	assert.Equal(t, 2, sum.Succeeded)

	fresh, err := st.GetProject(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Cursor)

	warm, err := st.GetProject(ctx, "warm")
	require.NoError(t, err)
	assert.Equal(t, 8, warm.Cursor)

	ch, err := st.GetChapter(ctx, "out-warm", 8)
	require.NoError(t, err)
	assert.Equal(t, "Morning", ch.Title)

	// claims are still fresh, so an immediate second tick writes nothing
	sum, err = a.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Succeeded)
}

func TestTickWithRedisClaims(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newApp(t, fmt.Sprintf("claim:\n  driver: redis\n  redis_addr: %s\n", mr.Addr()))
	ctx := context.Background()
	require.NoError(t, a.Store().CreateProject(ctx, storage.Project{ID: "p", OutputID: "out-p", Cursor: 3, Target: 100}))
	makeDue(t, a.Store(), "p")

	sum, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.True(t, mr.Exists("storyloom:claim:p"))
}

func TestRedisUnavailableFailsSchedulerInit(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	a := newApp(t, fmt.Sprintf("claim:\n  driver: redis\n  redis_addr: %s\n", addr))

	_, err := a.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis claim backend")
}

func TestMissingModelFailsSchedulerInit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte("storage:\n  path: "+filepath.Join(dir, "db")+"\nlogging:\n  level: error\n"), 0o600))
	a, err := New(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.Migrate(context.Background()))
	_, err = a.Tick(context.Background())
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte("claim:\n  driver: etcd\n"), 0o600))
	_, err := New(context.Background(), p)
	require.Error(t, err)
}

func TestApplyKeepsRestartOnlySettings(t *testing.T) {
	a := newApp(t, "")
	require.NoError(t, a.initScheduler())
	before := a.resolved()

	next := before
	next.StoragePath = "/elsewhere.db"
	next.ClaimDriver = "redis"
	next.ServerAddr = ":9999"
	next.TriggerToken = "rotated"
	next.Concurrency = 9
	a.apply(next)

	got := a.resolved()
	assert.Equal(t, before.StoragePath, got.StoragePath)
	assert.Equal(t, before.ClaimDriver, got.ClaimDriver)
	assert.Equal(t, before.ServerAddr, got.ServerAddr)
	assert.Equal(t, "rotated", got.TriggerToken)
	assert.Equal(t, 9, got.Concurrency)
}

func TestApplyReachesQuotaManager(t *testing.T) {
	a := newApp(t, "")
	require.NoError(t, a.initScheduler())
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 20, 30, 0, 0, time.UTC)

	next := a.resolved()
	next.DailyQuota = 3
	next.Location = time.FixedZone("UTC+8", 8*3600)
	a.apply(next)

	day := a.quota.Day(now)
	assert.Equal(t, "2026-10-18", day)
	created, failed := a.quota.EnsureQuotas(ctx, []string{"fresh"}, day, now)
	require.Equal(t, 1, created)
	require.Zero(t, failed)
	q, err := a.store.GetQuota(ctx, "fresh", day)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Target)
}

func TestMappingCarriesResolvedValues(t *testing.T) {
	r, err := config.Resolve(&config.Config{
		Scheduler:  config.SchedulerConfig{DailyQuota: 12, Concurrency: 7, ColdStartPerTick: 3, Timezone: "UTC"},
		Completion: config.CompletionConfig{Grace: 15, ArcSize: 10},
		Pipeline:   config.PipelineConfig{CriticalRetries: 4, SynopsisEvery: 6},
		Claim:      config.ClaimConfig{Driver: "redis", RedisAddr: "redis:6379", RedisDB: 2},
	})
	require.NoError(t, err)

	to := mapTickOptions(r)
	assert.Equal(t, 12, to.Selector.DailyTarget)
	assert.Equal(t, 15, to.Selector.Grace)
	assert.Equal(t, 3, to.Selector.ColdCap)
	assert.Equal(t, 7, to.Concurrency)

	po := mapPipelineOptions(r)
	assert.Equal(t, 4, po.CriticalRetries)
	assert.Equal(t, 6, po.SynopsisEvery)
	assert.Equal(t, 10, po.ArcSize)

	ro := mapRedisOptions(r)
	assert.Equal(t, "redis:6379", ro.Addr)
	assert.Equal(t, 2, ro.DB)
	assert.Equal(t, r.StaleWindow, ro.Window)

	assert.Equal(t, 12, mapQuotaOptions(r).DailyTarget)
	assert.Equal(t, time.UTC, mapQuotaOptions(r).Location)
}

func TestBuildDetectorUsesRulesFile(t *testing.T) {
	r, err := config.Resolve(&config.Config{})
	require.NoError(t, err)
	d, err := buildDetector(r)
	require.NoError(t, err)
	require.NotNil(t, d)

	p := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(p, []byte("threshold: 2\nrules:\n  - {name: fin, weight: 2, phrases: [fin]}\n"), 0o600))
	r.RulesPath = p
	_, err = buildDetector(r)
	require.NoError(t, err)

	r.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildDetector(r)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "rules_path"))
}

func TestNewRejectsMissingRulesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte("completion:\n  rules_path: /nonexistent/rules.yaml\n"), 0o600))
	_, err := New(context.Background(), p)
	require.Error(t, err)
}
