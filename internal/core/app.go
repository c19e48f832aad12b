// Package core wires the bot together: config, transport, session store,
// gateway, polling engine and command dispatch, under one supervisor.
package core

import (
	"context"
	"fmt"
	"time"

	"stockbot/internal/config"
	"stockbot/internal/dedup"
	"stockbot/internal/dispatch"
	"stockbot/internal/eventbus"
	"stockbot/internal/gateway"
	"stockbot/internal/notifier"
	"stockbot/internal/poller"
	"stockbot/internal/session"
	"stockbot/internal/storage"
	"stockbot/internal/transport"
	"stockbot/internal/transport/telegram"
	logx "stockbot/pkg/logx"
)

const updateBuffer = 256

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	adapter  transport.Adapter
	sessions *session.Store
	gw       *gateway.Client
	dd       *dedup.Deduplicator
	notify   *notifier.Service
	poll     *poller.Engine
	disp     *dispatch.Dispatcher

	sup     *Supervisor
	updates chan transport.Update
}

func New(mgr *config.Manager, logSvc *logx.Service, log logx.Logger) (*App, error) {
	cfg := mgr.Get()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	store, err := storage.Open(storage.Config{
		Driver: cfg.Audit.Driver,
		Path:   cfg.Audit.Path,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout.Std(),
	}, log.With(logx.String("comp", "gateway")))
	if err != nil {
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout.Std(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	bus := eventbus.New()
	sessions := session.NewStore(gw, log.With(logx.String("comp", "session")))
	dd := dedup.New(cfg.Poll.Cooldown.Std())
	notify := notifier.New(notifier.Config{}, adapter, bus, log.With(logx.String("comp", "notifier")))
	poll := poller.New(poller.Config{
		Interval:    cfg.Poll.Interval.Std(),
		CallTimeout: cfg.API.Timeout.Std(),
	}, sessions, gw, dd, notify, bus, log.With(logx.String("comp", "poller")))
	disp := dispatch.New(dispatch.Config{
		Prefix:  cfg.Commands.Prefix,
		Timeout: cfg.Commands.Timeout.Std(),
	}, sessions, gw, notify, adapter, poll, bus, log.With(logx.String("comp", "dispatch")))

	return &App{
		mgr:      mgr,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		store:    store,
		adapter:  adapter,
		sessions: sessions,
		gw:       gw,
		dd:       dd,
		notify:   notify,
		poll:     poll,
		disp:     disp,
		updates:  make(chan transport.Update, updateBuffer),
	}, nil
}

// Start brings up the transport, the dispatch loop, the polling engine and
// the config watchers. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx,
		WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		WithCancelOnError(true),
	)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start transport: %w", err)
	}

	if err := a.poll.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start poller: %w", err)
	}

	a.sup.Go("dispatch", func(ctx context.Context) error {
		return a.disp.Run(ctx, a.updates)
	})
	a.sup.Go("config.watch", a.mgr.Watch)
	a.sup.Go("config.apply", a.applyLoop)
	a.sup.Go("audit", a.auditLoop)

	a.log.Info("bot started")
	return nil
}

// Wait blocks until a supervised goroutine fails or ctx ends.
func (a *App) Wait(ctx context.Context) error {
	return a.sup.Wait(ctx)
}

// Stop shuts the app down in stages, newest consumers first, each stage
// bounded by a slice of the remaining deadline.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	stage := func(name string, d time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop stage incomplete", logx.String("stage", name), logx.Err(err))
		}
	}

	stage("poller", 10*time.Second, a.poll.Stop)
	stage("transport", 5*time.Second, a.adapter.Stop)
	stage("supervisor", 10*time.Second, a.sup.Stop)

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close audit store", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return nil
}

// applyLoop hot-applies config changes published by the manager. Only the
// knobs that are safe to swap at runtime are touched.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.mgr.Subscribe(1)
	defer a.mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			level := "info"
			if cfg.Logging.Debug {
				level = "debug"
			}
			a.logSvc.Apply(logx.Config{Level: level, File: cfg.Logging.File})
			a.poll.SetInterval(cfg.Poll.Interval.Std())
			a.dd.SetCooldown(cfg.Poll.Cooldown.Std())
			a.disp.SetPrefix(cfg.Commands.Prefix)
			a.log.Info("runtime config applied",
				logx.Duration("interval", cfg.Poll.Interval.Std()),
				logx.Duration("cooldown", cfg.Poll.Cooldown.Std()))
		}
	}
}

// auditLoop turns bus events into audit entries. Best-effort: a full bus
// buffer or a failing store never disturbs the main flows.
func (a *App) auditLoop(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if a.log.Enabled(logx.LevelDebug) {
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
			if a.store == nil {
				continue
			}
			entry, ok := auditFor(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := a.store.AppendAudit(actx, entry); err != nil {
				a.log.Debug("audit append failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func auditFor(ev eventbus.Event) (storage.AuditEntry, bool) {
	e := storage.AuditEntry{At: ev.Time, Action: ev.Type}
	data, _ := ev.Data.(map[string]any)
	if v, ok := data["user"].(int64); ok {
		e.UserID = v
	}
	if v, ok := data["channel"].(int64); ok {
		e.ChannelID = v
	}
	switch ev.Type {
	case eventbus.TypeCommand:
		if v, ok := data["verb"].(string); ok {
			e.Detail = v
		}
	case eventbus.TypeNotifyFailed:
		if v, ok := data["error"].(string); ok {
			e.Error = v
		}
	case eventbus.TypeNotifySent, eventbus.TypeSessionExpired:
	default:
		return storage.AuditEntry{}, false
	}
	return e, true
}
