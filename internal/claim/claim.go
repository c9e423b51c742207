// Package claim turns a list of candidate project ids into the subset this
// tick may work on. A claimed id stays owned for one staleness window; a
// crashed worker simply lets the window lapse.
package claim

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	logx "storyloom/pkg/logx"
)

// Claimer returns the ids from candidates that the caller now owns. Ids
// owned by someone else are dropped silently; that is not an error.
type Claimer interface {
	Claim(ctx context.Context, candidates []string, now time.Time) ([]string, error)
}

// Fence is the datastore primitive behind SQLiteClaimer.
type Fence interface {
	TouchStale(ctx context.Context, ids []string, now, staleBefore time.Time) ([]string, error)
}

// SQLiteClaimer claims by conditionally rewriting the project's
// last-touched timestamp in a single bulk update.
type SQLiteClaimer struct {
	fence  Fence
	window time.Duration
	log    logx.Logger
}

func NewSQLiteClaimer(fence Fence, window time.Duration, log logx.Logger) *SQLiteClaimer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLiteClaimer{fence: fence, window: window, log: log.With(logx.String("comp", "claim"), logx.String("driver", "sqlite"))}
}

func (c *SQLiteClaimer) Claim(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if c.window <= 0 {
		return nil, errors.New("claim: stale window must be > 0")
	}
	claimed, err := c.fence.TouchStale(ctx, dedupe(candidates), now, now.Add(-c.window))
	if err != nil {
		return nil, err
	}
	c.log.Debug("claimed", logx.Int("candidates", len(candidates)), logx.Int("claimed", len(claimed)))
	return keepOrder(candidates, claimed), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// keepOrder returns claimed in candidate order so callers keep their
// fairness sort.
func keepOrder(candidates, claimed []string) []string {
	if len(claimed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(claimed))
	for _, id := range claimed {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(claimed))
	for _, id := range candidates {
		if _, ok := set[id]; ok {
			out = append(out, id)
			delete(set, id)
		}
	}
	return out
}
