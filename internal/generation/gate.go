package generation

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// Gate is the process-wide token bucket in front of the engine. It is
// injected rather than global so tests and config reloads can own it.
type Gate struct {
	lim *rate.Limiter
}

// NewGate allows perSec calls per second with the given burst. perSec <= 0
// means unlimited.
func NewGate(perSec, burst int) *Gate {
	return &Gate{lim: rate.NewLimiter(limitOf(perSec), burstOf(perSec, burst))}
}

func (g *Gate) Wait(ctx context.Context) error {
	if g == nil || g.lim == nil {
		return nil
	}
	if err := g.lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "generation gate")
	}
	return nil
}

// SetRate applies new limits in place; waiters pick them up.
func (g *Gate) SetRate(perSec, burst int) {
	if g == nil || g.lim == nil {
		return
	}
	g.lim.SetLimit(limitOf(perSec))
	g.lim.SetBurst(burstOf(perSec, burst))
}

func limitOf(perSec int) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func burstOf(perSec, burst int) int {
	if burst > 0 {
		return burst
	}
	if perSec > 0 {
		return perSec
	}
	return 1
}

// Throttle wraps e so every call first passes through g.
func Throttle(e Engine, g *Gate) Engine {
	if g == nil {
		return e
	}
	return &throttled{next: e, gate: g}
}

type throttled struct {
	next Engine
	gate *Gate
}

func (t *throttled) Generate(ctx context.Context, req ChapterRequest) (Chapter, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return Chapter{}, err
	}
	return t.next.Generate(ctx, req)
}

func (t *throttled) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Summarize(ctx, req)
}

func (t *throttled) Plan(ctx context.Context, req PlanRequest) (string, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Plan(ctx, req)
}
