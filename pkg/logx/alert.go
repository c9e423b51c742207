package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize = 128
	alertMaxLen    = 3500
	alertFieldLen  = 600
)

// alertSink is a zerolog.LevelWriter that relays records at or above
// minLevel to the sender. Writes never block logging; excess is dropped.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue   chan string
	start   sync.Once
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		sender:   sender,
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
		queue:    make(chan string, alertQueueSize),
	}
}

func (a *alertSink) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(cfg.RatePerSec, 1)
	a.mu.Lock()
	a.minLevel = levelOf(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter.SetLimit(rate.Limit(rps))
	a.limiter.SetBurst(rps)
	a.mu.Unlock()
	if cfg.Enabled {
		a.start.Do(a.run)
	}
}

func (a *alertSink) run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.stopped = make(chan struct{})
	go func() {
		defer close(a.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-a.queue:
				a.mu.Lock()
				sender := a.sender
				a.mu.Unlock()
				if sender == nil {
					continue
				}
				sctx, done := context.WithTimeout(ctx, 10*time.Second)
				_ = sender.SendAlert(sctx, text)
				done()
			}
		}
	}()
}

func (a *alertSink) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.stopped
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	pass := level != zerolog.NoLevel && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlert renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, keys sorted.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), alertFieldLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
