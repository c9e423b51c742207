package app

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"storyloom/internal/alert"
	"storyloom/internal/config"
	"storyloom/internal/httpapi"
	"storyloom/internal/runtime/supervisor"
	logx "storyloom/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

// Serve runs the HTTP trigger, the optional cron self-trigger, the alert
// notifier and the config watcher until ctx ends or a component fails.
func (a *App) Serve(ctx context.Context) error {
	if err := a.initScheduler(); err != nil {
		return err
	}
	r := a.resolved()
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if r.Alert.Enabled {
		if err := a.startNotifier(sup.Context(), r); err != nil {
			a.log.Warn("alerts disabled", logx.Err(err))
		}
	}

	api := httpapi.NewServer(a.orch, a.store, func() string { return a.resolved().TriggerToken }, a.log)
	if r.Pprof {
		api.EnableProfiler()
	}
	srv := &http.Server{
		Addr:              r.ServerAddr,
		Handler:           api.Router(),
		ReadTimeout:       r.ReadTimeout,
		ReadHeaderTimeout: r.ReadTimeout,
		WriteTimeout:      r.WriteTimeout,
	}
	sup.Go("http", func(context.Context) error {
		a.log.Info("http listening", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var c *cron.Cron
	if r.TriggerCron != "" {
		var err error
		if c, err = a.startCron(sup.Context(), r); err != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
			return err
		}
	}

	go func() {
		if err := a.cfgm.Watch(sup.Context()); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	a.reloadLoop(sup)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("serving", logx.Bool("cron", c != nil), logx.Bool("alerts", a.notifier != nil))

	<-sup.Context().Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if c != nil {
		// waits for a running tick to return
		select {
		case <-c.Stop().Done():
		case <-stopCtx.Done():
			a.log.Warn("cron tick still running at shutdown")
		}
	}
	if err := srv.Shutdown(stopCtx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	if a.notifier != nil {
		a.logs.SetAlertSender(nil)
		if err := a.notifier.Stop(stopCtx); err != nil {
			a.log.Warn("alert shutdown", logx.Err(err))
		}
	}
	if err := sup.Wait(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) startNotifier(ctx context.Context, r config.Resolved) error {
	sender, err := alert.NewTelegramSender(r.Alert.TelegramToken, r.Alert.ChatID, r.Alert.ThreadID)
	if err != nil {
		return err
	}
	a.notifier = alert.New(sender, a.bus, mapAlertOptions(r), a.log)
	a.notifier.Start(ctx)
	a.logs.SetAlertSender(a.notifier)
	a.logs.Apply(mapLogConfig(r))
	return nil
}

// startCron schedules in-process ticks. A tick still running when the next
// one fires is skipped.
func (a *App) startCron(ctx context.Context, r config.Resolved) (*cron.Cron, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(r.Location))
	var running atomic.Bool
	_, err := c.AddFunc(r.TriggerCron, func() {
		if !running.CompareAndSwap(false, true) {
			a.log.Debug("cron tick skipped; previous still running")
			return
		}
		defer running.Store(false)
		sum := a.orch.Run(ctx)
		if sum.Aborted() {
			a.log.Warn("cron tick aborted", logx.String("tick_id", sum.TickID))
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "trigger.cron %q", r.TriggerCron)
	}
	c.Start()
	a.log.Info("cron trigger enabled", logx.String("spec", r.TriggerCron))
	return c, nil
}

// reloadLoop applies hot-reloadable settings from the config watcher.
func (a *App) reloadLoop(sup *supervisor.Supervisor) {
	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				sections, fields := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				lastApplied = newCfg
				a.log.Info("config changed", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
				if restart := config.RestartRequired(sections); len(restart) > 0 {
					a.log.Warn("config change requires restart", logx.String("sections", strings.Join(restart, ",")))
				}
				res, err := config.Resolve(newCfg)
				if err != nil {
					a.log.Warn("config reload rejected", logx.Err(err))
					continue
				}
				a.apply(res)
			}
		}
	})
}

func (a *App) apply(res config.Resolved) {
	a.mu.Lock()
	prev := a.res
	// restart-only settings keep their running values
	res.ServerAddr, res.ReadTimeout, res.WriteTimeout, res.Pprof = prev.ServerAddr, prev.ReadTimeout, prev.WriteTimeout, prev.Pprof
	res.StoragePath, res.BusyTimeout = prev.StoragePath, prev.BusyTimeout
	res.ClaimDriver, res.RedisAddr, res.RedisDB, res.ClaimKeyPrefix, res.StaleWindow = prev.ClaimDriver, prev.RedisAddr, prev.RedisDB, prev.ClaimKeyPrefix, prev.StaleWindow
	a.res = res
	a.mu.Unlock()

	logCfg := mapLogConfig(res)
	if a.notifier == nil {
		logCfg.Alert.Enabled = false
	} else {
		a.notifier.Apply(mapAlertOptions(res))
	}
	a.logs.Apply(logCfg)
	if a.quota != nil {
		a.quota.SetOptions(mapQuotaOptions(res))
	}
	if a.orch != nil {
		a.orch.SetOptions(mapTickOptions(res))
	}
	if a.gate != nil {
		a.gate.SetRate(res.Generation.RatePerSec, res.Generation.Burst)
	}
}
