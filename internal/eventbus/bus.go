// Package eventbus fans scheduler events out to in-process listeners such as
// the alert notifier.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the tick orchestrator.
const (
	TickFinished     = "tick.finished"
	ProjectCompleted = "project.completed"
	TaskFailed       = "task.failed"
)

// Event is a small in-memory signal. Publish never blocks: subscribers get a
// buffered channel and a slow subscriber loses events instead of stalling a
// tick.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TickData is the payload of TickFinished.
type TickData struct {
	TickID    string
	Claimed   int
	Succeeded int
	Failed    int
	TimedOut  int
	Completed int
	Duration  time.Duration
	Err       string
}

// ProjectData is the payload of ProjectCompleted and TaskFailed.
type ProjectData struct {
	TickID    string
	ProjectID string
	Title     string
	Seq       int
	Reason    string
	Err       string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	drop atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.drop.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// holding the write lock excludes in-flight Publish sends
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.drop.Load()
	}
	return 0
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
