package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/eventbus"
	logx "storyloom/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) Send(_ context.Context, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func start(t *testing.T, opts Options) (*Notifier, *recorder, eventbus.Bus) {
	t.Helper()
	rec := &recorder{}
	bus := eventbus.New()
	opts.RatePerSec = 100
	n := New(rec, bus, opts, logx.Nop())
	n.Start(context.Background())
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n, rec, bus
}

func TestCompletionIsRelayed(t *testing.T) {
	_, rec, bus := start(t, Options{})
	bus.Publish(eventbus.Event{Type: eventbus.ProjectCompleted, Data: eventbus.ProjectData{
		ProjectID: "p1", Title: "Salt Roads", Seq: 200, Reason: "exact_target",
	}})
	require.Eventually(t, func() bool { return len(rec.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "✅ Salt Roads completed at chapter 200 (exact_target)", rec.sent()[0])
}

func TestFailureBurstIsSummarizedPerTick(t *testing.T) {
	_, rec, bus := start(t, Options{FailureBurst: 2})
	for _, id := range []string{"b", "a"} {
		bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.ProjectData{TickID: "tick-0001", ProjectID: id}})
	}
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.ProjectData{TickID: "other", ProjectID: "z"}})
	bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: eventbus.TickData{TickID: "tick-0001", Failed: 2, Succeeded: 4}})
	bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: eventbus.TickData{TickID: "other", Failed: 1}})

	require.Eventually(t, func() bool { return len(rec.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "⚠️ tick tick-000: 2 failed, 0 timed out, 4 succeeded\na, b", rec.sent()[0])
}

func TestAbortedTickAlerts(t *testing.T) {
	_, rec, bus := start(t, Options{})
	bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: eventbus.TickData{TickID: "abc", Err: "list active projects: boom"}})
	require.Eventually(t, func() bool { return len(rec.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.sent()[0], "aborted")
}

func TestSendAlertDedupes(t *testing.T) {
	n, rec, _ := start(t, Options{DedupWindow: time.Hour})
	require.NoError(t, n.SendAlert(context.Background(), "WRN claim failed"))
	require.NoError(t, n.SendAlert(context.Background(), "WRN claim failed"))
	require.NoError(t, n.SendAlert(context.Background(), "ERR tick aborted"))
	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.sent(), 2)
}

func TestSendAlertAfterStop(t *testing.T) {
	n := New(&recorder{}, nil, Options{}, logx.Nop())
	assert.ErrorIs(t, n.SendAlert(context.Background(), "x"), ErrStopped)
}

func TestNewTelegramSenderValidates(t *testing.T) {
	_, err := NewTelegramSender("", 1, 0)
	require.Error(t, err)
	_, err = NewTelegramSender("123:abc", 0, 0)
	require.Error(t, err)
}
