// Package poller runs the background polling engine: at a fixed interval it
// checks every live session's triggered alerts against the remote service and
// pushes notifications into the originating chat channel.
package poller

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"stockbot/internal/dedup"
	"stockbot/internal/eventbus"
	"stockbot/internal/gateway"
	"stockbot/internal/session"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

// AlertLister is the slice of the gateway the poller needs.
type AlertLister interface {
	ListTriggeredAlerts(ctx context.Context, token string) ([]gateway.Alert, error)
}

// Sender delivers one notification and reports whether it went out.
type Sender interface {
	Send(ctx context.Context, target transport.ChatTarget, text string, sev transport.Severity) error
}

type Config struct {
	Interval    time.Duration // poll cycle spacing (tick to tick)
	CallTimeout time.Duration // per remote call budget
}

type Engine struct {
	sessions *session.Store
	gw       AlertLister
	dedup    *dedup.Deduplicator
	send     Sender
	bus      eventbus.Bus
	log      logx.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	timeout  time.Duration

	// inFlight enforces non-overlapping cycles: a tick that lands while a
	// cycle is still running is dropped, never queued.
	inFlight atomic.Bool

	cycles  atomic.Uint64
	skipped atomic.Uint64

	ctx context.Context
}

func New(cfg Config, sessions *session.Store, gw AlertLister, dd *dedup.Deduplicator, send Sender, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Engine{
		sessions: sessions,
		gw:       gw,
		dedup:    dd,
		send:     send,
		bus:      bus,
		log:      log,
		interval: cfg.Interval,
		timeout:  cfg.CallTimeout,
	}
}

// Start registers the interval entry and begins ticking. The first cycle
// runs one interval after Start, not immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return nil
	}
	e.ctx = ctx
	c := cron.New()
	id, err := c.AddFunc(fmt.Sprintf("@every %s", e.interval), e.tick)
	if err != nil {
		return fmt.Errorf("register poll entry: %w", err)
	}
	e.cron = c
	e.entry = id
	c.Start()
	e.log.Info("polling started", logx.Duration("interval", e.interval))
	return nil
}

// Stop halts ticking and waits (bounded by ctx) for an in-flight cycle.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop() // resolves when running jobs have returned
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInterval hot-applies a new poll interval by re-registering the entry.
// A no-op when the interval is unchanged or the engine is stopped.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if d == e.interval {
		return
	}
	e.interval = d
	if e.cron == nil {
		return
	}
	e.cron.Remove(e.entry)
	id, err := e.cron.AddFunc(fmt.Sprintf("@every %s", d), e.tick)
	if err != nil {
		e.log.Error("re-register poll entry", logx.Err(err))
		return
	}
	e.entry = id
	e.log.Info("poll interval updated", logx.Duration("interval", d))
}

// Stats reports completed and skipped cycle counts.
func (e *Engine) Stats() (cycles, skipped uint64) {
	return e.cycles.Load(), e.skipped.Load()
}

func (e *Engine) tick() {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		n := e.skipped.Add(1)
		e.log.Warn("poll tick skipped (cycle still running)", logx.Uint64("skipped_total", n))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypePollSkipped, Time: time.Now()})
		}
		return
	}
	defer e.inFlight.Store(false)
	e.RunCycle(ctx)
}

// RunCycle executes one full poll cycle. Exported so tests and the status
// command can drive it directly; callers other than tick must not assume
// overlap protection.
func (e *Engine) RunCycle(ctx context.Context) {
	start := time.Now()
	sessions := e.sessions.AllActive()

	live := make(map[int64]struct{})
	var notified, failures int
	anySuccess := false

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		alerts, err := e.listTriggered(ctx, sess.Token)
		if err != nil {
			failures++
			e.handleSessionError(ctx, sess, err)
			continue
		}
		anySuccess = true

		now := time.Now()
		for _, a := range alerts {
			live[a.ID] = struct{}{}
			if !a.Triggered() || !e.dedup.ShouldNotify(a.ID, now) {
				continue
			}
			text := formatTriggered(a)
			target := transport.ChatTarget{ChannelID: sess.Key.ChannelID}
			if err := e.send.Send(ctx, target, text, transport.SeverityAlert); err != nil {
				// Not recorded: the next cycle retries this alert.
				e.log.Warn("alert notification not delivered",
					logx.Int64("alert", a.ID),
					logx.Int64("channel", sess.Key.ChannelID),
					logx.Err(err))
				continue
			}
			e.dedup.Record(a.ID, now)
			notified++
		}
	}

	// Prune only on evidence: a cycle where every session errored says
	// nothing about which alerts are still live.
	if anySuccess || len(sessions) == 0 {
		e.dedup.Prune(live)
	}

	n := e.cycles.Add(1)
	e.log.Debug("poll cycle done",
		logx.Uint64("cycle", n),
		logx.Int("sessions", len(sessions)),
		logx.Int("notified", notified),
		logx.Int("failures", failures),
		logx.Duration("took", time.Since(start)))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypePollCycle,
			Time: time.Now(),
			Data: map[string]any{"sessions": len(sessions), "notified": notified, "failures": failures},
		})
	}
}

func (e *Engine) listTriggered(ctx context.Context, token string) ([]gateway.Alert, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.gw.ListTriggeredAlerts(callCtx, token)
}

// handleSessionError applies per-session isolation: an auth rejection evicts
// exactly that session (with a one-time notice), anything else is logged and
// retried implicitly next cycle.
func (e *Engine) handleSessionError(ctx context.Context, sess session.Session, err error) {
	key := sess.Key
	if gateway.IsAuth(err) {
		if e.sessions.Invalidate(key, sess.Token) {
			if e.bus != nil {
				e.bus.Publish(eventbus.Event{
					Type: eventbus.TypeSessionExpired,
					Time: time.Now(),
					Data: map[string]any{"user": key.UserID, "channel": key.ChannelID},
				})
			}
			notice := "Your session has expired. Use the login command to reconnect."
			if serr := e.send.Send(ctx, transport.ChatTarget{ChannelID: key.ChannelID}, notice, transport.SeverityWarning); serr != nil {
				e.log.Warn("expiry notice not delivered", logx.Int64("channel", key.ChannelID), logx.Err(serr))
			}
		}
		return
	}
	e.log.Warn("poll failed for session",
		logx.Int64("user", key.UserID),
		logx.Int64("channel", key.ChannelID),
		logx.Err(err))
}

// formatTriggered renders the notification body. Remote-supplied strings are
// escaped: messages go out in HTML parse mode, and a stray "<" in a symbol
// would make the platform reject the whole message.
func formatTriggered(a gateway.Alert) string {
	var b strings.Builder
	sym := a.Symbol
	if sym == "" {
		sym = fmt.Sprintf("stock %d", a.StockID)
	}
	fmt.Fprintf(&b, "Alert triggered: <b>%s</b> %s %s",
		html.EscapeString(sym), html.EscapeString(a.Condition), html.EscapeString(a.Threshold))
	if a.TriggeredAt != nil {
		fmt.Fprintf(&b, " at %s", a.TriggeredAt.Format("15:04:05 MST"))
	}
	return b.String()
}
