// Package notifier is the outbound send pipeline: rate limit + bounded
// timeout + retry. Sends are synchronous so callers learn whether delivery
// actually happened before they record it anywhere.
package notifier

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockbot/internal/eventbus"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

type Config struct {
	RatePerSec    int           // token bucket rate and burst
	SendTimeout   time.Duration // per-attempt budget
	RetryMax      int           // retries after the first attempt
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c *Config) normalize() {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
}

// Service sends messages through the chat adapter. Safe for concurrent use;
// the limiter serializes bursts across callers.
type Service struct {
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	return &Service{
		adapter: adapter,
		bus:     bus,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply hot-applies new pipeline settings.
func (s *Service) Apply(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Send delivers text to target, retrying transient failures. It returns nil
// only after the adapter confirmed the send.
func (s *Service) Send(ctx context.Context, target transport.ChatTarget, text string, sev transport.Severity) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(cfg, attempt)):
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(sendCtx, target, text, &transport.SendOptions{Severity: sev})
		cancel()
		if err == nil {
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{
					Type: eventbus.TypeNotifySent,
					Time: time.Now(),
					Data: map[string]any{"channel": target.ChannelID},
				})
			}
			return nil
		}
		lastErr = err
		s.log.Warn("send failed",
			logx.Int64("channel", target.ChannelID),
			logx.Int("attempt", attempt+1),
			logx.Err(err))
		if ctx.Err() != nil {
			break
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeNotifyFailed,
			Time: time.Now(),
			Data: map[string]any{"channel": target.ChannelID, "error": lastErr.Error()},
		})
	}
	return lastErr
}

// backoff computes the delay before attempt n (1-based) with full jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << (attempt - 1)
	if d > cfg.RetryMaxDelay || d <= 0 {
		d = cfg.RetryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
