package poller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"stockbot/internal/dedup"
	"stockbot/internal/gateway"
	"stockbot/internal/session"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(ctx context.Context, username, password string) (gateway.Token, error) {
	return gateway.Token{Access: "tok-" + username, ExpiresIn: time.Hour}, nil
}

type fakeLister struct {
	mu sync.Mutex
	fn func(token string) ([]gateway.Alert, error)
}

func (f *fakeLister) ListTriggeredAlerts(ctx context.Context, token string) ([]gateway.Alert, error) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(token)
}

func (f *fakeLister) set(fn func(token string) ([]gateway.Alert, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

type sentMsg struct {
	channel int64
	text    string
	sev     transport.Severity
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sentMsg
	err   error
	block chan struct{} // when non-nil, Send waits until closed
}

func (f *fakeSender) Send(ctx context.Context, target transport.ChatTarget, text string, sev transport.Severity) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sentMsg{channel: target.ChannelID, text: text, sev: sev})
	return nil
}

func (f *fakeSender) all() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sends))
	copy(out, f.sends)
	return out
}

func triggered(id int64, symbol string) gateway.Alert {
	return gateway.Alert{ID: id, StockID: id, Symbol: symbol, Condition: ">", Threshold: "100", Status: gateway.StatusTriggered}
}

func newTestEngine(t *testing.T, lister AlertLister, send Sender, cooldown time.Duration) (*Engine, *session.Store, *dedup.Deduplicator) {
	t.Helper()
	store := session.NewStore(fakeAuth{}, logx.Nop())
	dd := dedup.New(cooldown)
	e := New(Config{Interval: time.Minute, CallTimeout: time.Second}, store, lister, dd, send, nil, logx.Nop())
	return e, store, dd
}

func TestCycleNotifiesTriggeredAlerts(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		return []gateway.Alert{triggered(1, "ACME")}, nil
	})
	send := &fakeSender{}
	e, store, _ := newTestEngine(t, lister, send, 5*time.Minute)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "alice", "pw")

	e.RunCycle(context.Background())

	sends := send.all()
	if len(sends) != 1 {
		t.Fatalf("want 1 notification, got %d", len(sends))
	}
	if sends[0].channel != 100 || !strings.Contains(sends[0].text, "ACME") {
		t.Fatalf("unexpected notification: %+v", sends[0])
	}
	if sends[0].sev != transport.SeverityAlert {
		t.Fatalf("alerts must carry alert severity, got %v", sends[0].sev)
	}
}

func TestNotificationEscapesRemoteStrings(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		a := triggered(1, "<ACME>")
		a.Condition = "<"
		return []gateway.Alert{a}, nil
	})
	send := &fakeSender{}
	e, store, _ := newTestEngine(t, lister, send, 5*time.Minute)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "alice", "pw")

	e.RunCycle(context.Background())

	sends := send.all()
	if len(sends) != 1 {
		t.Fatalf("want 1 notification, got %d", len(sends))
	}
	if strings.Contains(sends[0].text, "<ACME>") || !strings.Contains(sends[0].text, "&lt;ACME&gt;") {
		t.Fatalf("symbol not escaped for html mode: %q", sends[0].text)
	}
	if !strings.Contains(sends[0].text, "&lt; 100") {
		t.Fatalf("condition not escaped: %q", sends[0].text)
	}
}

func TestPerSessionIsolation(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		if token == "tok-broken" {
			return nil, &gateway.UnavailableError{Status: 503}
		}
		return []gateway.Alert{triggered(2, "OK")}, nil
	})
	send := &fakeSender{}
	e, store, _ := newTestEngine(t, lister, send, 5*time.Minute)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "broken", "pw")
	store.Login(context.Background(), session.Key{UserID: 2, ChannelID: 200}, "fine", "pw")

	e.RunCycle(context.Background())

	sends := send.all()
	if len(sends) != 1 || sends[0].channel != 200 {
		t.Fatalf("healthy session should notify despite the broken one: %+v", sends)
	}
	// Transient failure must not evict.
	if store.Len() != 2 {
		t.Fatalf("unavailable must not evict sessions, have %d", store.Len())
	}
}

func TestAuthErrorEvictsExactlyThatSession(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		if token == "tok-expired" {
			return nil, &gateway.AuthError{Status: 401}
		}
		return nil, nil
	})
	send := &fakeSender{}
	e, store, _ := newTestEngine(t, lister, send, 5*time.Minute)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "expired", "pw")
	store.Login(context.Background(), session.Key{UserID: 2, ChannelID: 200}, "fine", "pw")

	e.RunCycle(context.Background())

	if _, ok := store.Get(session.Key{UserID: 1, ChannelID: 100}); ok {
		t.Fatalf("rejected session must be evicted")
	}
	if _, ok := store.Get(session.Key{UserID: 2, ChannelID: 200}); !ok {
		t.Fatalf("healthy session must survive")
	}
	sends := send.all()
	if len(sends) != 1 || sends[0].channel != 100 || !strings.Contains(sends[0].text, "expired") {
		t.Fatalf("expected one expiry notice to channel 100: %+v", sends)
	}

	// A second cycle must not repeat the notice.
	e.RunCycle(context.Background())
	if len(send.all()) != 1 {
		t.Fatalf("expiry notice must be one-time")
	}
}

func TestNotifySuppressRenotify(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		return []gateway.Alert{triggered(7, "ACME")}, nil
	})
	send := &fakeSender{}
	e, store, dd := newTestEngine(t, lister, send, time.Hour)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "alice", "pw")

	e.RunCycle(context.Background())
	if len(send.all()) != 1 {
		t.Fatalf("cycle 1 must notify")
	}

	e.RunCycle(context.Background())
	if len(send.all()) != 1 {
		t.Fatalf("cycle 2 inside cooldown must suppress")
	}

	// Simulate cooldown expiry.
	dd.SetCooldown(0)
	e.RunCycle(context.Background())
	if len(send.all()) != 2 {
		t.Fatalf("cycle 3 after cooldown must notify again")
	}
}

func TestFailedSendIsRetriedNextCycle(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		return []gateway.Alert{triggered(3, "ACME")}, nil
	})
	send := &fakeSender{err: context.DeadlineExceeded}
	e, store, _ := newTestEngine(t, lister, send, time.Hour)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "alice", "pw")

	e.RunCycle(context.Background())
	if len(send.all()) != 0 {
		t.Fatalf("failed send should record nothing")
	}

	send.mu.Lock()
	send.err = nil
	send.mu.Unlock()

	e.RunCycle(context.Background())
	if len(send.all()) != 1 {
		t.Fatalf("undelivered alert must be retried on the next cycle")
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	block := make(chan struct{})
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		return []gateway.Alert{triggered(4, "SLOW")}, nil
	})
	send := &fakeSender{block: block}
	e, store, _ := newTestEngine(t, lister, send, time.Hour)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "alice", "pw")
	e.ctx = context.Background()

	done := make(chan struct{})
	go func() {
		e.tick()
		close(done)
	}()

	// Wait until the first cycle is wedged inside Send.
	deadline := time.Now().Add(2 * time.Second)
	for !e.inFlight.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	e.tick() // returns immediately: the cycle is still running

	close(block)
	<-done

	cycles, skipped := e.Stats()
	if cycles != 1 {
		t.Fatalf("exactly one cycle should have run, got %d", cycles)
	}
	if skipped != 1 {
		t.Fatalf("overlapping tick must be counted as skipped, got %d", skipped)
	}
}

func TestPruneOnlyWithEvidence(t *testing.T) {
	lister := &fakeLister{}
	lister.set(func(token string) ([]gateway.Alert, error) {
		return []gateway.Alert{triggered(9, "ACME")}, nil
	})
	send := &fakeSender{}
	e, store, dd := newTestEngine(t, lister, send, time.Hour)
	store.Login(context.Background(), session.Key{UserID: 1, ChannelID: 100}, "alice", "pw")

	e.RunCycle(context.Background())
	if dd.Len() != 1 {
		t.Fatalf("cycle 1 should record the alert")
	}

	// Every session failing says nothing about live alerts: keep records.
	lister.set(func(token string) ([]gateway.Alert, error) {
		return nil, &gateway.UnavailableError{Status: 500}
	})
	e.RunCycle(context.Background())
	if dd.Len() != 1 {
		t.Fatalf("all-failure cycle must not prune")
	}

	// A successful empty cycle is evidence the alert is gone.
	lister.set(func(token string) ([]gateway.Alert, error) {
		return nil, nil
	})
	e.RunCycle(context.Background())
	if dd.Len() != 0 {
		t.Fatalf("successful cycle must prune dead records")
	}
}
