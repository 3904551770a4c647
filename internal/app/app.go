// Package app wires config, storage, the Telegram channel and the campaign
// services together and owns their start/stop order and hot reload.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"pushbot/internal/api"
	"pushbot/internal/campaign"
	"pushbot/internal/config"
	"pushbot/internal/directory"
	"pushbot/internal/dispatch"
	"pushbot/internal/eventbus"
	"pushbot/internal/events"
	"pushbot/internal/runtime/supervisor"
	"pushbot/internal/scheduler"
	"pushbot/internal/storage"
	"pushbot/internal/transport/telegram"
	logx "pushbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dir      *directory.Service
	tg       *telegram.Adapter
	ctl      *campaign.Controller
	disp     *dispatch.Service
	sched    *scheduler.Service
	applier  *events.Applier
	consumer *events.Consumer
	api      *api.Service
}

// Logger is the app's root logger (comp=app).
func (a *App) Logger() logx.Logger { return a.log }

// Controller exposes campaign control for embedding callers.
func (a *App) Controller() *campaign.Controller { return a.ctl }

// APIAddr is the admin API listen address, empty while it is not serving.
func (a *App) APIAddr() string { return a.api.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.tg.Start(runCtx)
	if a.disp.Enabled() {
		// resumes campaigns a previous process left in sending
		a.disp.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if a.consumer.Enabled() {
		a.consumer.Start(runCtx)
	}
	if a.api.Enabled() {
		a.api.Start(runCtx)
	}

	// Lifecycle events at debug level for tracing campaign flow.
	evs, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-evs:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("campaign", e.CampaignID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("dispatch", a.disp.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("events", a.consumer.Enabled()),
		logx.Bool("api", a.api.Enabled()),
	)
	return nil
}

// latest drains sub so a burst of reloads is applied once.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig fans a validated reload out to the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(s string) bool { return slices.Contains(sections, s) }
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if has("telegram") {
		a.log.Warn("telegram config changed; restart required for token, proxy or polling changes")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	stopCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, 3*time.Second)
	}

	if has("dispatch") {
		dc, err := mapDispatchConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			prev := a.disp.Enabled()
			a.disp.Apply(dc)
			switch {
			case prev && !dc.Enabled:
				a.log.Info("dispatch disabled via config")
				c, cancel := stopCtx()
				a.disp.Stop(c)
				cancel()
			case !prev && dc.Enabled:
				a.log.Info("dispatch enabled via config")
				a.disp.Start(ctx)
			}
		}
	}

	if has("scheduler") {
		sc, err := mapSchedulerConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			prev := a.sched.Enabled()
			a.sched.Apply(sc)
			switch {
			case prev && !sc.Enabled:
				a.log.Info("scheduler disabled via config")
				c, cancel := stopCtx()
				a.sched.Stop(c)
				cancel()
			case !prev && sc.Enabled:
				a.log.Info("scheduler enabled via config")
				a.sched.Start(ctx)
			}
		}
	}

	if has("events") {
		ec, err := mapEventsConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid events config; keeping previous", logx.Err(err))
		} else {
			// broker, queue and backoff are fixed per connection, so restart
			c, cancel := stopCtx()
			a.consumer.Stop(c)
			cancel()
			a.consumer.Apply(ec)
			if a.consumer.Enabled() {
				a.consumer.Start(ctx)
			}
		}
	}

	if has("api") {
		ac, err := mapAPIConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid api config; keeping previous", logx.Err(err))
		} else {
			a.api.Reconfigure(ctx, ac)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Inbound first: no new work from the API, scheduler or broker, then let
	// dispatch park in-flight campaigns before the channel and store go away.
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "events", 2*time.Second, func(c context.Context) error { a.consumer.Stop(c); return nil })
	a.step(ctx, "dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error { a.tg.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
