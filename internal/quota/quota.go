// Package quota keeps one production allowance per project and calendar day
// and spreads each day's allowance across the day with deterministic jitter.
//
// Quota is an accounting overlay: bookkeeping failures are logged by callers
// but never block chapter writes.
package quota

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

const (
	minSpacing  = 5 * time.Minute
	maxSpacing  = 72 * time.Minute
	jitterBound = 5 // minutes, either side
	maxErrorLen = 500
	casAttempts = 3
	dayLayout   = "2006-01-02"
)

// Store is the datastore surface the manager needs.
type Store interface {
	InsertQuotaIfAbsent(ctx context.Context, q storage.DailyQuota) (bool, error)
	GetQuota(ctx context.Context, projectID, day string) (storage.DailyQuota, error)
	IncrementQuota(ctx context.Context, projectID, day string, expectedWritten int, nextDue time.Time) (bool, error)
	RecordQuotaFailure(ctx context.Context, projectID, day string, nextDue time.Time, msg string, maxRetries int) (bool, error)
}

type Options struct {
	DailyTarget int
	RetryDelay  time.Duration
	// MaxRetries turns the day's row failed after this many failures (0 = no cap).
	MaxRetries int
	Location   *time.Location
}

func (o Options) withDefaults() Options {
	if o.DailyTarget <= 0 {
		o.DailyTarget = 20
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Minute
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

type Manager struct {
	store Store
	log   logx.Logger

	mu   sync.RWMutex
	opts Options
}

func NewManager(store Store, opts Options, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, opts: opts.withDefaults(), log: log.With(logx.String("comp", "quota"))}
}

// SetOptions swaps target, retry policy and timezone. Rows already created
// keep their target.
func (m *Manager) SetOptions(opts Options) {
	m.mu.Lock()
	m.opts = opts.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// Day returns the calendar day of t in the reference timezone.
func (m *Manager) Day(t time.Time) string { return t.In(m.options().Location).Format(dayLayout) }

// DayBounds returns [start, end) of day in the reference timezone.
func (m *Manager) DayBounds(day string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dayLayout, day, m.options().Location)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(err, "parse day %q", day)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// EnsureQuotas creates today's row for every project lacking one. The
// initial next_due is dayStart + hash(project, day) mod spacing, so a
// re-created row lands on the same slot. Per-project failures are logged
// and counted, never returned.
func (m *Manager) EnsureQuotas(ctx context.Context, projectIDs []string, day string, now time.Time) (created, failed int) {
	start, end, err := m.DayBounds(day)
	if err != nil {
		m.log.Error("quota ensure skipped", logx.String("day", day), logx.Err(err))
		return 0, len(projectIDs)
	}
	target := m.options().DailyTarget
	spacing := clampSpacing(remaining(now, start, end), target)
	spacingMin := uint64(spacing / time.Minute)

	for _, id := range projectIDs {
		offset := time.Duration(fnv64a(id+"|"+day)%spacingMin) * time.Minute
		ok, err := m.store.InsertQuotaIfAbsent(ctx, storage.DailyQuota{
			ProjectID: id,
			Day:       day,
			Target:    target,
			NextDueAt: start.Add(offset),
			Status:    storage.QuotaActive,
		})
		if err != nil {
			failed++
			m.log.Warn("quota ensure failed", logx.String("project", id), logx.String("day", day), logx.Err(err))
			continue
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		m.log.Debug("quotas created", logx.String("day", day), logx.Int("created", created), logx.Duration("spacing", spacing))
	}
	return created, failed
}

// RecordSuccess counts one written chapter. When written reaches target the
// row completes and next_due clears; otherwise next_due moves forward by the
// remaining-time / remaining-quota cadence plus a hash-derived jitter in
// [-5m, +5m]. A missing row is created first.
func (m *Manager) RecordSuccess(ctx context.Context, projectID, day string, now time.Time) (storage.DailyQuota, error) {
	start, end, err := m.DayBounds(day)
	if err != nil {
		return storage.DailyQuota{}, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		q, err := m.store.GetQuota(ctx, projectID, day)
		if errors.Is(err, storage.ErrNotFound) {
			m.EnsureQuotas(ctx, []string{projectID}, day, now)
			continue
		}
		if err != nil {
			return storage.DailyQuota{}, err
		}
		if q.Status == storage.QuotaCompleted || q.Written >= q.Target {
			return q, nil
		}

		written := q.Written + 1
		var next time.Time
		if written < q.Target {
			next = NextDue(projectID, day, written, q.Target, now, start, end)
		}
		ok, err := m.store.IncrementQuota(ctx, projectID, day, q.Written, next)
		if err != nil {
			return storage.DailyQuota{}, err
		}
		if !ok {
			continue
		}
		q.Written = written
		q.NextDueAt = next
		if written >= q.Target {
			q.Status = storage.QuotaCompleted
		}
		return q, nil
	}
	return storage.DailyQuota{}, errors.Newf("quota %s/%s: lost %d update races", projectID, day, casAttempts)
}

// RecordFailure bumps the retry counter and pushes next_due out by the
// fixed retry delay.
func (m *Manager) RecordFailure(ctx context.Context, projectID, day, msg string, now time.Time) error {
	opts := m.options()
	msg = truncate(msg, maxErrorLen)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.RecordQuotaFailure(ctx, projectID, day, now.Add(opts.RetryDelay), msg, opts.MaxRetries)
		if err != nil || ok {
			return err
		}
		// nothing updated: either the row is already settled or it was never created
		if _, err := m.store.GetQuota(ctx, projectID, day); !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		m.EnsureQuotas(ctx, []string{projectID}, day, now)
	}
	return errors.Newf("quota %s/%s: row missing, failure not recorded", projectID, day)
}

// NextDue computes the next slot after the written-th chapter of the day.
func NextDue(projectID, day string, written, target int, now, start, end time.Time) time.Time {
	left := target - written
	if left <= 0 {
		return time.Time{}
	}
	interval := clampSpacing(remaining(now, start, end), left)
	return now.Add(interval + jitter(projectID, day, written))
}

func jitter(projectID, day string, written int) time.Duration {
	h := fnv64a(projectID + "|" + day + "|" + strconv.Itoa(written))
	return time.Duration(int64(h%(2*jitterBound+1))-jitterBound) * time.Minute
}

func remaining(now, start, end time.Time) time.Duration {
	if now.Before(start) {
		now = start
	}
	if !now.Before(end) {
		return 0
	}
	return end.Sub(now)
}

func clampSpacing(left time.Duration, n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	s := (left / time.Duration(n)).Truncate(time.Minute)
	if s < minSpacing {
		return minSpacing
	}
	if s > maxSpacing {
		return maxSpacing
	}
	return s
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
