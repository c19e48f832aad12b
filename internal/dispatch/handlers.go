package dispatch

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"stockbot/internal/gateway"
	"stockbot/internal/session"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

func (d *Dispatcher) cmdLogin(ctx context.Context, req *request) (string, transport.Severity) {
	// Scrub the credential-bearing message first, whatever the outcome.
	d.deleteCommandMessage(ctx, req)

	if len(req.args) != 2 {
		return d.usage("login <username> <password>"), transport.SeverityWarning
	}
	username, password := req.args[0], req.args[1]

	sess, err := d.sessions.Login(ctx, req.key, username, password)
	if err != nil {
		if gateway.IsAuth(err) {
			return "Login failed: invalid username or password.", transport.SeverityWarning
		}
		return d.remoteError(req, session.Session{}, err)
	}

	// Replies go out in HTML parse mode; user-chosen names must be escaped
	// or a stray "<" makes the platform reject the reply.
	reply := fmt.Sprintf("Connected as <b>%s</b>.", html.EscapeString(username))
	// Summary banner is best-effort; login already succeeded.
	if sum, err := d.gw.Summary(ctx, sess.Token); err == nil {
		reply += fmt.Sprintf(" You have %d active and %d triggered alerts.",
			sum.ActiveCount, sum.TriggeredCount)
	}
	return reply, transport.SeveritySuccess
}

func (d *Dispatcher) cmdLogout(req *request) (string, transport.Severity) {
	if !d.sessions.Logout(req.key) {
		return "You were not connected.", transport.SeverityInfo
	}
	return "Disconnected. Alert polling for this chat has stopped.", transport.SeveritySuccess
}

func (d *Dispatcher) cmdRegister(ctx context.Context, req *request) (string, transport.Severity) {
	d.deleteCommandMessage(ctx, req)

	if len(req.args) != 3 {
		return d.usage("register <username> <password> <email>"), transport.SeverityWarning
	}
	username, password, email := req.args[0], req.args[1], req.args[2]
	if !strings.Contains(email, "@") {
		return "That does not look like an email address.", transport.SeverityWarning
	}

	if err := d.gw.Register(ctx, username, password, email); err != nil {
		return d.remoteError(req, session.Session{}, err)
	}
	d.mu.RLock()
	p := d.prefix
	d.mu.RUnlock()
	return fmt.Sprintf("Account <b>%s</b> created. Use %slogin to connect.", html.EscapeString(username), p), transport.SeveritySuccess
}

func (d *Dispatcher) cmdAlerts(ctx context.Context, req *request, sess session.Session) (string, transport.Severity) {
	filter := ""
	if len(req.args) > 0 {
		filter = strings.ToLower(req.args[0])
		if filter != "active" && filter != "triggered" {
			return d.usage("alerts [active|triggered]"), transport.SeverityWarning
		}
	}

	var (
		alerts []gateway.Alert
		err    error
	)
	if filter == "triggered" {
		alerts, err = d.gw.ListTriggeredAlerts(ctx, sess.Token)
	} else {
		alerts, err = d.gw.ListAlerts(ctx, sess.Token)
	}
	if err != nil {
		return d.remoteError(req, sess, err)
	}
	if filter == "active" {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.IsActive && !a.Triggered() {
				kept = append(kept, a)
			}
		}
		alerts = kept
	}

	if len(alerts) == 0 {
		switch filter {
		case "triggered":
			return "No triggered alerts.", transport.SeverityInfo
		case "active":
			return "No active alerts.", transport.SeverityInfo
		}
		return "You have no alerts yet.", transport.SeverityInfo
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%d alert(s)</b>\n", len(alerts))
	for _, a := range alerts {
		sym := a.Symbol
		if sym == "" {
			sym = fmt.Sprintf("stock %d", a.StockID)
		}
		fmt.Fprintf(&b, "#%d %s %s %s", a.ID,
			html.EscapeString(sym), html.EscapeString(a.Condition), html.EscapeString(a.Threshold))
		if a.DurationMinutes > 0 {
			fmt.Fprintf(&b, " (%dm window)", a.DurationMinutes)
		}
		if a.Triggered() {
			b.WriteString(" — triggered")
		} else if !a.IsActive {
			b.WriteString(" — inactive")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), transport.SeverityInfo
}

func (d *Dispatcher) cmdCreateAlert(ctx context.Context, req *request, sess session.Session) (string, transport.Severity) {
	if len(req.args) < 3 || len(req.args) > 4 {
		return d.usage("alert <stockID> <condition> <price> [duration]"), transport.SeverityWarning
	}
	stockID, err := strconv.ParseInt(req.args[0], 10, 64)
	if err != nil || stockID <= 0 {
		return "Stock id must be a positive number. " + d.usage("alert <stockID> <condition> <price> [duration]"), transport.SeverityWarning
	}
	cond := req.args[1]
	if !validConditions[cond] {
		return "Condition must be one of >, <, >=, <=, ==.", transport.SeverityWarning
	}
	price, err := parsePrice(req.args[2])
	if err != nil {
		return err.Error() + ".", transport.SeverityWarning
	}
	var minutes int64
	if len(req.args) == 4 {
		minutes, err = parseAlertDuration(req.args[3])
		if err != nil {
			return err.Error() + ". " + d.usage("alert <stockID> <condition> <price> [duration]"), transport.SeverityWarning
		}
	}

	created, err := d.gw.CreateAlert(ctx, sess.Token, gateway.NewAlert{
		StockID:         stockID,
		Condition:       cond,
		Threshold:       price,
		DurationMinutes: minutes,
	})
	if err != nil {
		return d.remoteError(req, sess, err)
	}

	sym := created.Symbol
	if sym == "" {
		sym = fmt.Sprintf("stock %d", stockID)
	}
	reply := fmt.Sprintf("Alert #%d set: <b>%s</b> %s %s.", created.ID,
		html.EscapeString(sym), html.EscapeString(cond), price)
	if minutes > 0 {
		reply += fmt.Sprintf(" Expires after %d minute(s).", minutes)
	}
	return reply, transport.SeveritySuccess
}

func (d *Dispatcher) cmdStocks(ctx context.Context, sess session.Session) (string, transport.Severity) {
	stocks, err := d.gw.ListStocks(ctx, sess.Token)
	if err != nil {
		return d.remoteError(&request{key: sess.Key}, sess, err)
	}
	if len(stocks) == 0 {
		return "No stocks are tracked yet.", transport.SeverityInfo
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%d stock(s)</b>\n", len(stocks))
	for _, s := range stocks {
		fmt.Fprintf(&b, "#%d %s: %s", s.ID, html.EscapeString(s.Symbol), html.EscapeString(s.Price))
		if s.LastUpdated != nil {
			fmt.Fprintf(&b, " (as of %s)", s.LastUpdated.Format("15:04 MST"))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), transport.SeverityInfo
}

func (d *Dispatcher) cmdStatus(ctx context.Context, sess session.Session) (string, transport.Severity) {
	var b strings.Builder
	fmt.Fprintf(&b, "Connected as <b>%s</b>.\n", html.EscapeString(sess.RemoteUsername))
	if sum, err := d.gw.Summary(ctx, sess.Token); err == nil {
		fmt.Fprintf(&b, "Alerts: %d active, %d triggered.\n", sum.ActiveCount, sum.TriggeredCount)
	}
	if d.poll != nil {
		cycles, skipped := d.poll.Stats()
		fmt.Fprintf(&b, "Poll cycles: %d completed, %d skipped.\n", cycles, skipped)
	}
	fmt.Fprintf(&b, "Sessions on this instance: %d.", d.sessions.Len())
	return b.String(), transport.SeverityInfo
}

func (d *Dispatcher) cmdRefresh(ctx context.Context, sess session.Session) (string, transport.Severity) {
	res, err := d.gw.RefreshPrices(ctx, sess.Token)
	if err != nil {
		return d.remoteError(&request{key: sess.Key}, sess, err)
	}
	if res.Message != "" {
		return html.EscapeString(res.Message), transport.SeveritySuccess
	}
	if res.RefreshedCount > 0 {
		return fmt.Sprintf("Refreshed prices for %d stock(s).", res.RefreshedCount), transport.SeveritySuccess
	}
	return "Price refresh requested.", transport.SeveritySuccess
}

func (d *Dispatcher) deleteCommandMessage(ctx context.Context, req *request) {
	if d.deleter == nil {
		return
	}
	ref := transport.MessageRef{ChannelID: req.msg.ChannelID, MessageID: req.msg.ID}
	if err := d.deleter.DeleteMessage(ctx, ref); err != nil {
		d.log.Debug("could not delete credential message",
			logx.Int64("channel", ref.ChannelID),
			logx.Err(err))
	}
}

func (d *Dispatcher) usage(u string) string {
	d.mu.RLock()
	p := d.prefix
	d.mu.RUnlock()
	return "Usage: " + p + u
}

func (d *Dispatcher) helpText() string {
	d.mu.RLock()
	p := d.prefix
	d.mu.RUnlock()
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, line := range []string{
		"login <username> <password> — connect to the alert service",
		"logout — disconnect and stop polling for this chat",
		"register <username> <password> <email> — create an account",
		"alerts [active|triggered] — list your alerts",
		"alert <stockID> <condition> <price> [duration] — create a threshold alert; condition is one of > < >= <= ==, duration is minutes or e.g. 90m",
		"stocks — list tracked stocks and prices",
		"status — connection and polling status",
		"refresh — ask the service to refresh prices",
		"ping — liveness check",
		"help — this text",
	} {
		b.WriteString(p)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
