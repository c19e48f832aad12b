package transport

import "context"

// Update is one inbound chat event. Only plain text messages are relevant
// to the command surface; everything else is dropped by the adapter.
type Update struct {
	Message *Message
}

type Message struct {
	ID        int
	ChannelID int64
	UserID    int64
	Username  string
	Text      string
}

// ChatTarget addresses an outbound message.
type ChatTarget struct {
	ChannelID int64
}

// MessageRef identifies a message already delivered to (or received from)
// the chat platform, e.g. for deletion.
type MessageRef struct {
	ChannelID int64
	MessageID int
}

// Severity is the semantic category of an outbound event. Adapters map it
// to platform-specific styling.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
	SeverityAlert
)

type SendOptions struct {
	Severity       Severity
	DisablePreview bool
}

// Adapter is the narrow seam between the core and a chat platform.
//
// Start pushes inbound updates into out until ctx is canceled; it must not
// block on a full channel (drop instead). All other methods are bounded by
// the caller's context.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// DeleteMessage removes a message, best-effort. Used for credential
	// hygiene after login/register commands.
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
