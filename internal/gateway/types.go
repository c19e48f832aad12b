package gateway

import (
	"encoding/json"
	"strings"
	"time"
)

// Token is the result of a successful authentication.
type Token struct {
	Access    string
	Refresh   string
	ExpiresIn time.Duration
}

// AlertStatus is the remote-owned lifecycle state of an alert.
type AlertStatus string

const (
	StatusActive    AlertStatus = "active"
	StatusTriggered AlertStatus = "triggered"
	StatusExpired   AlertStatus = "expired"
)

// Alert is the subset of the remote alert object the bot displays and
// dedups on. The remote service owns the full record.
type Alert struct {
	ID              int64       `json:"id"`
	StockID         int64       `json:"stock"`
	Symbol          string      `json:"stock_symbol"`
	Condition       string      `json:"condition"`
	Threshold       string      `json:"threshold_price"`
	DurationMinutes int64       `json:"duration_minutes,omitempty"`
	Status          AlertStatus `json:"status"`
	IsActive        bool        `json:"is_active"`
	CreatedAt       time.Time   `json:"created_at"`
	TriggeredAt     *time.Time  `json:"triggered_at"`
}

// Triggered reports whether this alert should produce a notification.
// Some API versions report status, older ones only triggered_at.
func (a Alert) Triggered() bool {
	if a.Status != "" {
		return a.Status == StatusTriggered
	}
	return a.TriggeredAt != nil
}

// NewAlert is the creation payload for POST /api/alerts/.
type NewAlert struct {
	StockID         int64
	Condition       string // one of >, <, >=, <=, ==
	Threshold       string // decimal string, remote-side validated
	DurationMinutes int64  // 0 means indefinite
}

func (n NewAlert) body() map[string]any {
	m := map[string]any{
		"stock":           n.StockID,
		"alert_type":      "THRESHOLD",
		"condition":       n.Condition,
		"threshold_price": n.Threshold,
		"is_active":       true,
	}
	if n.DurationMinutes > 0 {
		m["duration_minutes"] = n.DurationMinutes
	}
	return m
}

// Summary is the aggregate alert count view.
type Summary struct {
	ActiveCount    int `json:"active_count"`
	TriggeredCount int `json:"triggered_count"`
}

// Stock is one priced instrument.
type Stock struct {
	ID          int64      `json:"id"`
	Symbol      string     `json:"symbol"`
	Price       string     `json:"current_price"`
	LastUpdated *time.Time `json:"last_updated"`
}

// RefreshResult reports a completed price refresh.
type RefreshResult struct {
	RefreshedCount int    `json:"refreshed_count"`
	Message        string `json:"message"`
}

// listEnvelope accepts both a bare JSON array and the paginated
// {"results": [...]} shape the remote emits depending on endpoint version.
type listEnvelope[T any] struct {
	items []T
}

func (l *listEnvelope[T]) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(b, &l.items)
	}
	var wrapped struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	l.items = wrapped.Results
	return nil
}
