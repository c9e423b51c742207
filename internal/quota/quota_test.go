package quota

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

func newManager(t *testing.T, target int) (*Manager, *storage.Store, *time.Location) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	m := NewManager(st, Options{DailyTarget: target, RetryDelay: 10 * time.Minute, MaxRetries: 3, Location: loc}, logx.Nop())
	return m, st, loc
}

func TestDayUsesReferenceTimezone(t *testing.T) {
	m, _, _ := newManager(t, 20)
	// 20:30 UTC is already the next day in UTC+8.
	ts := time.Date(2026, 10, 17, 20, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-18", m.Day(ts))
}

func TestEnsureQuotasIsIdempotent(t *testing.T) {
	m, st, loc := newManager(t, 20)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 0, 10, 0, 0, loc)
	day := m.Day(now)

	created, failed := m.EnsureQuotas(ctx, []string{"a", "b"}, day, now)
	assert.Equal(t, 2, created)
	assert.Zero(t, failed)

	first, err := st.GetQuota(ctx, "a", day)
	require.NoError(t, err)

	created, _ = m.EnsureQuotas(ctx, []string{"a", "b", "c"}, day, now.Add(3*time.Hour))
	assert.Equal(t, 1, created)

	again, err := st.GetQuota(ctx, "a", day)
	require.NoError(t, err)
	assert.Equal(t, first.NextDueAt, again.NextDueAt)
	assert.Equal(t, 20, again.Target)
	assert.Zero(t, again.Written)

	start, _, err := m.DayBounds(day)
	require.NoError(t, err)
	// spacing at 00:10 is clamp(1430/20, 5, 72) = 71m
	assert.False(t, first.NextDueAt.Before(start))
	assert.True(t, first.NextDueAt.Before(start.Add(71*time.Minute)))
}

func TestRecordSuccessCompletesAtTarget(t *testing.T) {
	m, st, loc := newManager(t, 20)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 21, 0, 0, 0, loc)
	day := m.Day(now)
	m.EnsureQuotas(ctx, []string{"p"}, day, now)

	for i := 0; i < 19; i++ {
		_, err := m.RecordSuccess(ctx, "p", day, now)
		require.NoError(t, err)
	}
	q, err := st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	require.Equal(t, 19, q.Written)
	require.Equal(t, storage.QuotaActive, q.Status)
	require.False(t, q.NextDueAt.IsZero())

	q, err = m.RecordSuccess(ctx, "p", day, now)
	require.NoError(t, err)
	assert.Equal(t, 20, q.Written)
	assert.Equal(t, storage.QuotaCompleted, q.Status)
	assert.True(t, q.NextDueAt.IsZero())

	stored, err := st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	assert.Equal(t, storage.QuotaCompleted, stored.Status)
	assert.True(t, stored.NextDueAt.IsZero())

	// extra successes are absorbed
	q, err = m.RecordSuccess(ctx, "p", day, now)
	require.NoError(t, err)
	assert.Equal(t, 20, q.Written)
}

func TestRecordSuccessIsMonotonicUnderContention(t *testing.T) {
	m, st, loc := newManager(t, 5)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	day := m.Day(now)
	m.EnsureQuotas(ctx, []string{"p"}, day, now)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.RecordSuccess(ctx, "p", day, now)
		}()
	}
	wg.Wait()

	q, err := st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	assert.LessOrEqual(t, q.Written, q.Target)
}

func TestRecordSuccessCreatesMissingRow(t *testing.T) {
	m, _, loc := newManager(t, 20)
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	q, err := m.RecordSuccess(context.Background(), "late", m.Day(now), now)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Written)
}

func TestNextDueCadenceAndJitter(t *testing.T) {
	loc := time.UTC
	start := time.Date(2026, 10, 18, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	tests := []struct {
		name     string
		now      time.Time
		written  int
		target   int
		interval time.Duration
	}{
		// 12h left, 10 left -> 72m cap
		{name: "capped", now: start.Add(12 * time.Hour), written: 10, target: 20, interval: 72 * time.Minute},
		// 2h left, 10 left -> 12m
		{name: "cadence", now: start.Add(22 * time.Hour), written: 10, target: 20, interval: 12 * time.Minute},
		// 10m left, 10 left -> 5m floor
		{name: "floor", now: end.Add(-10 * time.Minute), written: 10, target: 20, interval: 5 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := NextDue("p", "2026-10-18", tt.written, tt.target, tt.now, start, end)
			delta := got.Sub(tt.now) - tt.interval
			assert.GreaterOrEqual(t, delta, -5*time.Minute)
			assert.LessOrEqual(t, delta, 5*time.Minute)
			// deterministic
			assert.Equal(t, got, NextDue("p", "2026-10-18", tt.written, tt.target, tt.now, start, end))
		})
	}
	assert.True(t, NextDue("p", "d", 20, 20, start, start, end).IsZero())
}

func TestRecordFailureDelaysAndCaps(t *testing.T) {
	m, st, loc := newManager(t, 20)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	day := m.Day(now)
	m.EnsureQuotas(ctx, []string{"p"}, day, now)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, m.RecordFailure(ctx, "p", day, string(long), now))
	q, err := st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	assert.Equal(t, 1, q.RetryCount)
	assert.Equal(t, now.Add(10*time.Minute).UnixMilli(), q.NextDueAt.UnixMilli())
	assert.Len(t, q.LastError, maxErrorLen)

	require.NoError(t, m.RecordFailure(ctx, "p", day, "again", now))
	require.NoError(t, m.RecordFailure(ctx, "p", day, "again", now))
	q, err = st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	assert.Equal(t, storage.QuotaFailed, q.Status)
}

func TestRecordFailureKeepsUTF8(t *testing.T) {
	m, st, loc := newManager(t, 20)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	day := m.Day(now)
	m.EnsureQuotas(ctx, []string{"p"}, day, now)

	// 3-byte runes; 500 is not a multiple of 3
	require.NoError(t, m.RecordFailure(ctx, "p", day, strings.Repeat("错", 200), now))
	q, err := st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(q.LastError))
	assert.Equal(t, strings.Repeat("错", 166), q.LastError)

	assert.Equal(t, "ab", truncate("ab", 5))
	assert.Equal(t, "", truncate("错", 2))
}

func TestRecordFailureCreatesMissingRow(t *testing.T) {
	m, st, loc := newManager(t, 20)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	day := m.Day(now)

	require.NoError(t, m.RecordFailure(ctx, "late", day, "engine down", now))
	q, err := st.GetQuota(ctx, "late", day)
	require.NoError(t, err)
	assert.Equal(t, 1, q.RetryCount)
	assert.Equal(t, "engine down", q.LastError)
	assert.Equal(t, now.Add(10*time.Minute).UnixMilli(), q.NextDueAt.UnixMilli())
}

func TestRecordFailureOnSettledRowIsNoop(t *testing.T) {
	m, st, loc := newManager(t, 1)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	day := m.Day(now)
	_, err := m.RecordSuccess(ctx, "p", day, now)
	require.NoError(t, err)

	require.NoError(t, m.RecordFailure(ctx, "p", day, "late failure", now))
	q, err := st.GetQuota(ctx, "p", day)
	require.NoError(t, err)
	assert.Equal(t, storage.QuotaCompleted, q.Status)
	assert.Zero(t, q.RetryCount)
}

func TestSetOptionsAppliesToNewRows(t *testing.T) {
	m, st, loc := newManager(t, 20)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, loc)
	day := m.Day(now)
	m.EnsureQuotas(ctx, []string{"a"}, day, now)

	m.SetOptions(Options{DailyTarget: 8, RetryDelay: time.Minute, Location: time.UTC})
	// in UTC+8 this instant was already the 18th
	assert.Equal(t, "2026-10-17", m.Day(time.Date(2026, 10, 17, 20, 30, 0, 0, time.UTC)))
	m.EnsureQuotas(ctx, []string{"a", "b"}, day, now)

	a, err := st.GetQuota(ctx, "a", day)
	require.NoError(t, err)
	assert.Equal(t, 20, a.Target)
	b, err := st.GetQuota(ctx, "b", day)
	require.NoError(t, err)
	assert.Equal(t, 8, b.Target)

	require.NoError(t, m.RecordFailure(ctx, "b", day, "x", now))
	b, err = st.GetQuota(ctx, "b", day)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), b.NextDueAt.UnixMilli())
}
