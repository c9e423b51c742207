package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "tick"))
	log.Info("tick.finished", Int("succeeded", 3), Duration("took", time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "tick", m["comp"])
	require.Equal(t, "tick.finished", m["message"])
	require.EqualValues(t, 3, m["succeeded"])
	require.Contains(t, m["caller"], "logging_test.go")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("ignored", Err(nil))
}

func TestFormatAlert(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"task.failed","project":"p1","err":"boom"}`
	got := formatAlert([]byte(line))
	require.True(t, strings.HasPrefix(got, "[WARN] task.failed"))
	require.Contains(t, got, "- err=boom")
	require.Contains(t, got, "- project=p1")
	require.Less(t, strings.Index(got, "- err="), strings.Index(got, "- project="))
}

func TestAlertSinkRespectsMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("not relayed")
	log.Error("relayed", String("project", "p1"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Contains(t, sender.msgs[0], "relayed")
}

func TestLevelOf(t *testing.T) {
	require.Equal(t, zerolog.WarnLevel, levelOf("Warning", zerolog.InfoLevel))
	require.Equal(t, zerolog.DebugLevel, levelOf(" debug ", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, levelOf("", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, levelOf("loud", zerolog.InfoLevel))
}

func TestApplyFollowsLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "error", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("filtered by level")
	svc.Apply(Config{Level: "info", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	log.Warn("after apply")

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Contains(t, sender.msgs[0], "after apply")
}
