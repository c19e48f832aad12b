package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit store.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the append-only audit API. The audit trail never feeds back into
// behavior; it exists for operators.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records one session or notification event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	UserID    int64     `json:"user_id,omitempty"`
	ChannelID int64     `json:"channel_id,omitempty"`
	Action    string    `json:"action"` // login, logout, command, notify, session_expired
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}
