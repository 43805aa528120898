// Package transport defines the contract with the external chat protocol
// library and the event streams it emits. The gateway never speaks the wire
// protocol itself; it drives a Transport and reacts to its events.
package transport

import (
	"context"
	"time"
)

// ConnState mirrors the provider's connection lifecycle notifications.
type ConnState string

const (
	ConnOpen  ConnState = "open"
	ConnClose ConnState = "close"
)

// StatusLoggedOut is the disconnect status code the provider uses for an
// authenticated logout. Any other code is treated as transient.
const StatusLoggedOut = 401

// Presence values accepted by Handle.UpdatePresence.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// ConnectionUpdate is emitted on every connection state transition. A
// non-empty PairingCode means the provider issued a fresh code to scan.
type ConnectionUpdate struct {
	State       ConnState
	StatusCode  int
	PairingCode string
}

// InboundMessage is a message received from a remote counterpart.
type InboundMessage struct {
	From      string
	MessageID string
	Type      string
	Text      string
	Timestamp time.Time
}

// Receipt is returned by a successful send.
type Receipt struct {
	MessageID string
}

// EventHandlers carries the callbacks a session registers on its handle.
// Nil handlers are skipped. Handlers must not block; the dispatching
// goroutine is shared by all events of one handle.
type EventHandlers struct {
	OnConnection func(ConnectionUpdate)
	OnMessage    func(InboundMessage)
	OnCreds      func(creds []byte)
}

// Handle is one live provider connection for a single session.
type Handle interface {
	// Send delivers text to the recipient and returns the provider receipt.
	Send(ctx context.Context, recipient, text string) (*Receipt, error)

	// SubscribePresence registers interest in a recipient's presence.
	SubscribePresence(ctx context.Context, recipient string) error

	// UpdatePresence publishes our own presence toward a recipient.
	UpdatePresence(ctx context.Context, recipient string, p Presence) error

	// Logout terminates the device pairing on the provider side.
	Logout(ctx context.Context) error

	// Close tears the connection down without logging out. Closing an
	// already-closed handle is a no-op.
	Close() error
}

// Transport opens provider connections. The auth state blob is whatever the
// provider persisted last (empty for a fresh pairing).
type Transport interface {
	Connect(ctx context.Context, sessionID string, authState []byte, handlers EventHandlers) (Handle, error)
}
