package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

const window = 4 * time.Minute

func newStore(t *testing.T, ids ...string) *storage.Store {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for _, id := range ids {
		require.NoError(t, st.CreateProject(ctx, storage.Project{ID: id, OutputID: "out-" + id, Cursor: 3, Target: 50}))
	}
	return st
}

func TestSQLiteClaimSecondTickGetsNothing(t *testing.T) {
	st := newStore(t, "p1")
	c := NewSQLiteClaimer(st, window, logx.Nop())
	ctx := context.Background()
	now := time.Now()

	first, err := c.Claim(ctx, []string{"p1"}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, first)

	second, err := c.Claim(ctx, []string{"p1"}, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestSQLiteClaimKeepsCandidateOrder(t *testing.T) {
	st := newStore(t, "a", "b", "c")
	c := NewSQLiteClaimer(st, window, logx.Nop())

	got, err := c.Claim(context.Background(), []string{"c", "a", "c", "b"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestSQLiteClaimOverlappingInvocations(t *testing.T) {
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	st := newStore(t, ids...)
	c := NewSQLiteClaimer(st, window, logx.Nop())

	base := time.Now()
	const ticks = 6
	var (
		mu    sync.Mutex
		owned = map[string]int{}
		wg    sync.WaitGroup
	)
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every invocation lands inside the same window
			got, err := c.Claim(context.Background(), ids, base.Add(time.Duration(i)*10*time.Second))
			assert.NoError(t, err)
			mu.Lock()
			for _, id := range got {
				owned[id]++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, 1, owned[id], "project %s", id)
	}
}

func TestSQLiteClaimRejectsZeroWindow(t *testing.T) {
	st := newStore(t, "p1")
	_, err := NewSQLiteClaimer(st, 0, logx.Nop()).Claim(context.Background(), []string{"p1"}, time.Now())
	require.Error(t, err)
}

func newRedisClaimer(t *testing.T, mr *miniredis.Miniredis, toucher Toucher) *RedisClaimer {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisClaimerWithClient(rdb, RedisOptions{KeyPrefix: "storyloom:claim:", Window: window}, toucher, logx.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisClaimLeaseExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newStore(t, "p1", "p2")
	a := newRedisClaimer(t, mr, st)
	b := newRedisClaimer(t, mr, st)
	ctx := context.Background()
	now := time.Now()

	got, err := a.Claim(ctx, []string{"p1", "p2"}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, got)
	assert.True(t, mr.Exists("storyloom:claim:p1"))

	got, err = b.Claim(ctx, []string{"p2"}, now)
	require.NoError(t, err)
	assert.Empty(t, got)

	p, err := st.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), p.LastTouchedAt.UnixMilli())

	mr.FastForward(window + time.Second)
	got, err = b.Claim(ctx, []string{"p2"}, now.Add(window+time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, got)
}

func TestRedisClaimSurfacesConnectionErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newRedisClaimer(t, mr, nil)
	mr.Close()

	_, err := c.Claim(context.Background(), []string{"p1"}, time.Now())
	require.Error(t, err)
}
