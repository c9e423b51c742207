// Package alert relays scheduler events and warn-level log records to an
// operator chat.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"storyloom/internal/eventbus"
	"storyloom/internal/runtime/supervisor"
	logx "storyloom/pkg/logx"
)

var (
	ErrQueueFull = errors.New("alert: queue full")
	ErrStopped   = errors.New("alert: notifier stopped")
)

type Options struct {
	RatePerSec  int
	QueueSize   int
	DedupWindow time.Duration
	// FailureBurst is the per-tick failure count that triggers an alert.
	FailureBurst int
}

func (o Options) withDefaults() Options {
	if o.RatePerSec <= 0 {
		o.RatePerSec = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 10 * time.Minute
	}
	if o.FailureBurst <= 0 {
		o.FailureBurst = 3
	}
	return o
}

// Notifier queues messages and sends them from one worker through a token
// bucket. Identical texts inside DedupWindow are dropped.
type Notifier struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter
	queue   chan string
	sup     *supervisor.Supervisor
	dedup   map[string]time.Time
	now     func() time.Time

	// failures seen per tick, flushed on tick.finished
	failures map[string][]string
}

func New(sender Sender, bus eventbus.Bus, opts Options, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	opts = opts.withDefaults()
	return &Notifier{
		sender:   sender,
		bus:      bus,
		log:      log.With(logx.String("comp", "alert")),
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		dedup:    map[string]time.Time{},
		failures: map[string][]string{},
		now:      time.Now,
	}
}

// Apply updates rate and dedup settings in place.
func (n *Notifier) Apply(opts Options) {
	opts = opts.withDefaults()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opts.RatePerSec, n.opts.DedupWindow, n.opts.FailureBurst = opts.RatePerSec, opts.DedupWindow, opts.FailureBurst
	n.limiter.SetLimit(rate.Limit(opts.RatePerSec))
	n.limiter.SetBurst(opts.RatePerSec)
}

// Start launches the send worker and the event listener.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.sup != nil {
		n.mu.Unlock()
		return
	}
	n.queue = make(chan string, n.opts.QueueSize)
	n.sup = supervisor.New(ctx, supervisor.WithLogger(n.log))
	sup, q := n.sup, n.queue
	n.mu.Unlock()

	events, unsub := n.bus.Subscribe(64)
	sup.GoRestart("alert.events", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				unsub()
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				n.handle(ctx, e)
			}
		}
	}, time.Second, 30*time.Second)
	sup.GoRestart("alert.sender", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case text := <-q:
				n.deliver(ctx, text)
			}
		}
	}, time.Second, 30*time.Second)
}

func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	sup := n.sup
	n.sup, n.queue = nil, nil
	n.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// SendAlert enqueues text without blocking. It satisfies logx.AlertSender.
func (n *Notifier) SendAlert(_ context.Context, text string) error {
	return n.enqueue(text)
}

func (n *Notifier) enqueue(text string) error {
	n.mu.Lock()
	q := n.queue
	now := n.now()
	if until, ok := n.dedup[text]; ok && now.Before(until) {
		n.mu.Unlock()
		return nil
	}
	n.dedup[text] = now.Add(n.opts.DedupWindow)
	if len(n.dedup) > 1024 {
		for k, until := range n.dedup {
			if now.After(until) {
				delete(n.dedup, k)
			}
		}
	}
	n.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	if err := n.limiter.Wait(ctx); err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.sender.Send(sctx, text); err != nil {
		// Debug only: a warn here would feed back into the alert sink.
		n.log.Debug("alert not delivered", logx.Err(err))
	}
}

func (n *Notifier) handle(_ context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.ProjectCompleted:
		d, _ := e.Data.(eventbus.ProjectData)
		_ = n.enqueue(formatCompleted(d))
	case eventbus.TaskFailed:
		d, _ := e.Data.(eventbus.ProjectData)
		n.mu.Lock()
		n.failures[d.TickID] = append(n.failures[d.TickID], d.ProjectID)
		n.mu.Unlock()
	case eventbus.TickFinished:
		d, _ := e.Data.(eventbus.TickData)
		n.mu.Lock()
		failed := n.failures[d.TickID]
		delete(n.failures, d.TickID)
		burst := n.opts.FailureBurst
		n.mu.Unlock()
		if d.Err != "" {
			_ = n.enqueue(fmt.Sprintf("🚨 tick %s aborted: %s", short(d.TickID), d.Err))
		} else if len(failed) >= burst {
			_ = n.enqueue(formatBurst(d, failed))
		}
	}
}

func formatCompleted(d eventbus.ProjectData) string {
	name := d.Title
	if name == "" {
		name = d.ProjectID
	}
	if d.Seq > 0 {
		return fmt.Sprintf("✅ %s completed at chapter %d (%s)", name, d.Seq, d.Reason)
	}
	return fmt.Sprintf("✅ %s completed (%s)", name, d.Reason)
}

func formatBurst(d eventbus.TickData, failed []string) string {
	sort.Strings(failed)
	shown := failed
	if len(shown) > 5 {
		shown = shown[:5]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ tick %s: %d failed, %d timed out, %d succeeded\n", short(d.TickID), d.Failed, d.TimedOut, d.Succeeded)
	b.WriteString(strings.Join(shown, ", "))
	if extra := len(failed) - len(shown); extra > 0 {
		fmt.Fprintf(&b, " (+%d more)", extra)
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
