// Package app wires configuration, storage and the scheduler components
// into the process entry points used by the CLI.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"storyloom/internal/alert"
	"storyloom/internal/claim"
	"storyloom/internal/config"
	"storyloom/internal/eventbus"
	"storyloom/internal/generation"
	"storyloom/internal/pipeline"
	"storyloom/internal/quota"
	"storyloom/internal/reconcile"
	"storyloom/internal/storage"
	"storyloom/internal/tick"
	logx "storyloom/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	mu  sync.RWMutex
	res config.Resolved

	logs  *logx.Service
	log   logx.Logger
	store *storage.Store
	bus   eventbus.Bus

	// built by initScheduler
	closers  []func() error
	gate     *generation.Gate
	quota    *quota.Manager
	orch     *tick.Orchestrator
	notifier *alert.Notifier
}

// New loads the config at cfgPath, starts logging and opens the datastore
// (applying migrations).
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	// a broken rules file fails startup rather than the first tick
	cfgm.SetValidator(func(cfg *config.Config) error {
		r, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		_, err = buildDetector(r)
		return err
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	// alert sink is attached once the notifier exists
	logCfg := mapLogConfig(res)
	logCfg.Alert.Enabled = false
	logs, log := logx.New(logCfg, nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := storage.Open(ctx, mapStorageConfig(res), log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &App{
		cfgm:  cfgm,
		res:   res,
		logs:  logs,
		log:   log.With(logx.String("comp", "app")),
		store: st,
		bus:   eventbus.New(),
	}, nil
}

func (a *App) resolved() config.Resolved {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.res
}

// Store exposes the datastore to CLI commands.
func (a *App) Store() *storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Migrate applies the schema. Open already does this; the command exists so
// deploy scripts can run it explicitly.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	a.log.Info("schema up to date")
	return nil
}

// initScheduler builds the tick orchestrator and its collaborators.
func (a *App) initScheduler() error {
	if a.orch != nil {
		return nil
	}
	r := a.resolved()

	claimer, err := a.buildClaimer(r)
	if err != nil {
		return err
	}
	eng, err := generation.NewHTTPEngine(mapHTTPEngineOptions(r), a.log)
	if err != nil {
		return err
	}
	a.gate = generation.NewGate(r.Generation.RatePerSec, r.Generation.Burst)
	engine := generation.Throttle(eng, a.gate)

	detector, err := buildDetector(r)
	if err != nil {
		return err
	}

	a.quota = quota.NewManager(a.store, mapQuotaOptions(r), a.log)
	a.orch = tick.New(tick.Deps{
		Store:      a.store,
		Quota:      a.quota,
		Claimer:    claimer,
		Reconciler: reconcile.New(a.store, a.log),
		Pipeline:   pipeline.New(a.store, engine, mapPipelineOptions(r), a.log),
		Detector:   detector,
		Engine:     engine,
		Bus:        a.bus,
		Log:        a.log,
	}, mapTickOptions(r))
	return nil
}

func (a *App) buildClaimer(r config.Resolved) (claim.Claimer, error) {
	switch r.ClaimDriver {
	case "redis":
		rc := claim.NewRedisClaimer(mapRedisOptions(r), a.store, a.log)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rc.Ping(ctx); err != nil {
			_ = rc.Close()
			return nil, errors.Wrapf(err, "redis claim backend %s", r.RedisAddr)
		}
		a.closers = append(a.closers, rc.Close)
		a.log.Info("claim backend", logx.String("driver", "redis"), logx.String("addr", r.RedisAddr))
		return rc, nil
	default:
		return claim.NewSQLiteClaimer(a.store, r.StaleWindow, a.log), nil
	}
}

// Tick runs one scheduler invocation.
func (a *App) Tick(ctx context.Context) (tick.Summary, error) {
	if err := a.initScheduler(); err != nil {
		return tick.Summary{}, err
	}
	return a.orch.Run(ctx), nil
}

func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, a.closers[i]())
	}
	errs = errors.CombineErrors(errs, a.store.Close())
	errs = errors.CombineErrors(errs, a.logs.Close())
	return errs
}
