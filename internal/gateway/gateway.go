package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "stockbot/pkg/logx"
)

// Client is the single place that knows the remote alerting API's wire
// details. It does no retries and holds no state beyond the HTTP client;
// callers own retry policy and session bookkeeping.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     logx.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway base url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// The budget is enforced per call via context, not on the client:
	// a client-level Timeout would silently cap the longer refresh budget.
	return &Client{
		baseURL: base,
		http:    &http.Client{},
		timeout: timeout,
		log:     log,
	}, nil
}

// Authenticate exchanges credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	// The login endpoint has emitted two shapes over time: the current
	// {token, expires_in} and the older JWT-style {access, refresh}.
	var raw struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
		Access    string `json:"access"`
		Refresh   string `json:"refresh"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login/", "", body, &raw); err != nil {
		return Token{}, err
	}

	tok := Token{Access: raw.Token, Refresh: raw.Refresh}
	if tok.Access == "" {
		tok.Access = raw.Access
	}
	if tok.Access == "" {
		return Token{}, &MalformedResponseError{Op: "login", Err: errors.New("no access token in response")}
	}
	tok.ExpiresIn = time.Duration(raw.ExpiresIn) * time.Second
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = time.Hour
	}
	return tok, nil
}

// Register creates a new remote account.
func (c *Client) Register(ctx context.Context, username, password, email string) error {
	body := map[string]string{"username": username, "password": password, "email": email}
	return c.do(ctx, http.MethodPost, "/api/auth/register/", "", body, nil)
}

// ListAlerts returns every alert owned by the token's account.
func (c *Client) ListAlerts(ctx context.Context, token string) ([]Alert, error) {
	var env listEnvelope[Alert]
	if err := c.do(ctx, http.MethodGet, "/api/alerts/", token, nil, &env); err != nil {
		return nil, err
	}
	return env.items, nil
}

// ListTriggeredAlerts returns alerts the remote reports as triggered.
func (c *Client) ListTriggeredAlerts(ctx context.Context, token string) ([]Alert, error) {
	var env listEnvelope[Alert]
	if err := c.do(ctx, http.MethodGet, "/api/alerts/triggered/", token, nil, &env); err != nil {
		return nil, err
	}
	return env.items, nil
}

// CreateAlert registers a new threshold alert and returns the stored copy.
func (c *Client) CreateAlert(ctx context.Context, token string, a NewAlert) (Alert, error) {
	var out Alert
	if err := c.do(ctx, http.MethodPost, "/api/alerts/", token, a.body(), &out); err != nil {
		return Alert{}, err
	}
	return out, nil
}

// Summary returns aggregate alert counts.
func (c *Client) Summary(ctx context.Context, token string) (Summary, error) {
	var out Summary
	if err := c.do(ctx, http.MethodGet, "/api/alerts/summary/", token, nil, &out); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// ListStocks returns current instrument prices.
func (c *Client) ListStocks(ctx context.Context, token string) ([]Stock, error) {
	var env listEnvelope[Stock]
	if err := c.do(ctx, http.MethodGet, "/api/stocks/", token, nil, &env); err != nil {
		return nil, err
	}
	return env.items, nil
}

// RefreshPrices asks the remote to re-fetch prices from its upstream.
// The operation is slow server-side, so it gets twice the normal budget.
func (c *Client) RefreshPrices(ctx context.Context, token string) (RefreshResult, error) {
	var out RefreshResult
	if err := c.doBudget(ctx, 2*c.timeout, http.MethodPost, "/api/stocks/actions/refresh-prices/", token, nil, &out); err != nil {
		return RefreshResult{}, err
	}
	return out, nil
}

// RequestError is a remote-side rejection of the request payload (400/404),
// e.g. alert validation failures or an unknown stock id.
type RequestError struct {
	Status int
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("request rejected (http %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("request rejected (http %d)", e.Status)
}

// do performs one HTTP round trip under the standard call budget and maps
// the outcome onto the error taxonomy. The token never appears in logs or
// error strings.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	return c.doBudget(ctx, c.timeout, method, path, token, body, out)
}

func (c *Client) doBudget(ctx context.Context, budget time.Duration, method, path, token string, body, out any) error {
	op := method + " " + path

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, DNS and connection failures all land here.
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug("api call",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	case resp.StatusCode >= 500:
		return &UnavailableError{Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &RequestError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &UnavailableError{Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

// readDetail extracts a short human-readable reason from an error body.
// Django-style bodies put it under "detail"; field validation errors come
// as {"field": ["msg", ...]}.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	if d, ok := m["detail"].(string); ok {
		return d
	}
	var parts []string
	for field, v := range m {
		switch vv := v.(type) {
		case string:
			parts = append(parts, field+": "+vv)
		case []any:
			for _, item := range vv {
				if s, ok := item.(string); ok {
					parts = append(parts, field+": "+s)
				}
			}
		}
		if len(parts) >= 3 {
			break
		}
	}
	return strings.Join(parts, "; ")
}
