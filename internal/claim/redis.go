package claim

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "storyloom/pkg/logx"
)

// Toucher stamps last-touched on the project row after a lease is won, so
// dashboards see the same freshness signal as with the SQLite fence.
type Toucher interface {
	Touch(ctx context.Context, id string, now time.Time) error
}

// RedisClaimer holds one SET NX PX lease per project. The lease expires on
// its own after the staleness window.
type RedisClaimer struct {
	rdb     *redis.Client
	prefix  string
	window  time.Duration
	owner   string
	toucher Toucher
	log     logx.Logger
}

type RedisOptions struct {
	Addr      string
	DB        int
	KeyPrefix string
	Window    time.Duration
}

func NewRedisClaimer(opts RedisOptions, toucher Toucher, log logx.Logger) *RedisClaimer {
	return NewRedisClaimerWithClient(redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB}), opts, toucher, log)
}

func NewRedisClaimerWithClient(rdb *redis.Client, opts RedisOptions, toucher Toucher, log logx.Logger) *RedisClaimer {
	if log.IsZero() {
		log = logx.Nop()
	}
	owner := uuid.NewString()
	return &RedisClaimer{
		rdb:     rdb,
		prefix:  opts.KeyPrefix,
		window:  opts.Window,
		owner:   owner,
		toucher: toucher,
		log:     log.With(logx.String("comp", "claim"), logx.String("driver", "redis"), logx.String("owner", owner)),
	}
}

func (c *RedisClaimer) key(id string) string { return c.prefix + id }

func (c *RedisClaimer) Claim(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	ids := dedupe(candidates)
	if len(ids) == 0 {
		return nil, nil
	}
	if c.window <= 0 {
		return nil, errors.New("claim: stale window must be > 0")
	}

	cmds := make([]*redis.BoolCmd, len(ids))
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.SetNX(ctx, c.key(id), c.owner, c.window)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim leases")
	}

	var claimed []string
	for i, cmd := range cmds {
		if !cmd.Val() {
			continue
		}
		claimed = append(claimed, ids[i])
		if c.toucher != nil {
			if err := c.toucher.Touch(ctx, ids[i], now); err != nil {
				c.log.Warn("touch after lease failed", logx.String("project", ids[i]), logx.Err(err))
			}
		}
	}
	c.log.Debug("claimed", logx.Int("candidates", len(ids)), logx.Int("claimed", len(claimed)))
	return keepOrder(candidates, claimed), nil
}

func (c *RedisClaimer) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *RedisClaimer) Close() error { return c.rdb.Close() }
