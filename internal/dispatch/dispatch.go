// Package dispatch routes prefixed chat commands to their handlers. Commands
// run serially on the dispatch goroutine with a bounded context each, and
// every recognized invocation produces exactly one reply.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"stockbot/internal/eventbus"
	"stockbot/internal/gateway"
	"stockbot/internal/session"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

// Gateway is the slice of the remote API the command handlers use. Login
// itself goes through the session store.
type Gateway interface {
	Register(ctx context.Context, username, password, email string) error
	ListAlerts(ctx context.Context, token string) ([]gateway.Alert, error)
	ListTriggeredAlerts(ctx context.Context, token string) ([]gateway.Alert, error)
	CreateAlert(ctx context.Context, token string, a gateway.NewAlert) (gateway.Alert, error)
	Summary(ctx context.Context, token string) (gateway.Summary, error)
	ListStocks(ctx context.Context, token string) ([]gateway.Stock, error)
	RefreshPrices(ctx context.Context, token string) (gateway.RefreshResult, error)
}

// Sender delivers the single reply for a command.
type Sender interface {
	Send(ctx context.Context, target transport.ChatTarget, text string, sev transport.Severity) error
}

// MessageDeleter removes a chat message, used to scrub credential-bearing
// commands. Best effort; failures are logged only.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, ref transport.MessageRef) error
}

// PollStats exposes the polling engine's counters for the status command.
type PollStats interface {
	Stats() (cycles, skipped uint64)
}

type Config struct {
	Prefix  string
	Timeout time.Duration // per-command budget
}

type Dispatcher struct {
	sessions *session.Store
	gw       Gateway
	send     Sender
	deleter  MessageDeleter
	poll     PollStats
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.RWMutex
	prefix  string
	timeout time.Duration
}

func New(cfg Config, sessions *session.Store, gw Gateway, send Sender, deleter MessageDeleter, poll PollStats, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		sessions: sessions,
		gw:       gw,
		send:     send,
		deleter:  deleter,
		poll:     poll,
		bus:      bus,
		log:      log,
		prefix:   cfg.Prefix,
		timeout:  cfg.Timeout,
	}
}

// SetPrefix hot-applies a new command prefix.
func (d *Dispatcher) SetPrefix(p string) {
	if p == "" {
		return
	}
	d.mu.Lock()
	d.prefix = p
	d.mu.Unlock()
}

// Run consumes updates until ctx is done or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			d.Handle(ctx, *up.Message)
		}
	}
}

// Handle processes one message. Non-command text is ignored silently.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) {
	d.mu.RLock()
	prefix := d.prefix
	timeout := d.timeout
	d.mu.RUnlock()

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, prefix) {
		return
	}
	tokens := tokenize(strings.TrimPrefix(text, prefix))
	if len(tokens) == 0 {
		return
	}
	verb := strings.ToLower(tokens[0])
	args := tokens[1:]

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req := &request{
		msg:  msg,
		key:  session.Key{UserID: msg.UserID, ChannelID: msg.ChannelID},
		verb: verb,
		args: args,
	}
	reply, sev := d.route(cmdCtx, req)

	d.log.Debug("command handled",
		logx.String("verb", verb),
		logx.Int64("user", msg.UserID),
		logx.Int64("channel", msg.ChannelID),
		logx.Duration("took", time.Since(start)))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeCommand,
			Time: time.Now(),
			Data: map[string]any{"verb": verb, "user": msg.UserID, "channel": msg.ChannelID},
		})
	}

	if reply == "" {
		return
	}
	target := transport.ChatTarget{ChannelID: msg.ChannelID}
	if err := d.send.Send(cmdCtx, target, reply, sev); err != nil {
		d.log.Warn("reply not delivered",
			logx.String("verb", verb),
			logx.Int64("channel", msg.ChannelID),
			logx.Err(err))
	}
}

type request struct {
	msg  transport.Message
	key  session.Key
	verb string
	args []string
}

// route picks the handler. Verbs that talk to the remote on the user's
// behalf require a live session and short-circuit without one.
func (d *Dispatcher) route(ctx context.Context, req *request) (string, transport.Severity) {
	switch req.verb {
	case "login":
		return d.cmdLogin(ctx, req)
	case "logout":
		return d.cmdLogout(req)
	case "register":
		return d.cmdRegister(ctx, req)
	case "ping":
		return "pong", transport.SeverityInfo
	case "help":
		return d.helpText(), transport.SeverityInfo
	}

	sess, ok := d.sessions.Get(req.key)
	if !ok {
		d.mu.RLock()
		p := d.prefix
		d.mu.RUnlock()
		return "Not connected. Use " + p + "login <username> <password> first.", transport.SeverityWarning
	}

	switch req.verb {
	case "alerts":
		return d.cmdAlerts(ctx, req, sess)
	case "alerts-active":
		req.args = []string{"active"}
		return d.cmdAlerts(ctx, req, sess)
	case "alerts-triggered":
		req.args = []string{"triggered"}
		return d.cmdAlerts(ctx, req, sess)
	case "alert":
		return d.cmdCreateAlert(ctx, req, sess)
	case "stocks":
		return d.cmdStocks(ctx, sess)
	case "status":
		return d.cmdStatus(ctx, sess)
	case "refresh":
		return d.cmdRefresh(ctx, sess)
	default:
		d.mu.RLock()
		p := d.prefix
		d.mu.RUnlock()
		return "Unknown command. Try " + p + "help.", transport.SeverityWarning
	}
}

// remoteError translates a gateway failure into user text, evicting the
// session when the token was rejected. Credentials and tokens never appear
// in replies.
func (d *Dispatcher) remoteError(req *request, sess session.Session, err error) (string, transport.Severity) {
	switch {
	case gateway.IsAuth(err):
		d.sessions.Invalidate(req.key, sess.Token)
		return "Your session has expired. Please log in again.", transport.SeverityWarning
	case gateway.IsUnavailable(err):
		return "The alert service is unreachable right now. Please try again shortly.", transport.SeverityError
	case gateway.IsMalformed(err):
		return "The alert service returned an unexpected response.", transport.SeverityError
	}
	var re *gateway.RequestError
	if errors.As(err, &re) && re.Detail != "" {
		return "Request rejected: " + re.Detail, transport.SeverityWarning
	}
	return "Something went wrong handling that command.", transport.SeverityError
}
