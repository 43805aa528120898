package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Transport used in tests and in memory mode, where
// the gateway runs without a provider relay. Handles auto-open shortly after
// Connect unless the fixture holds them back, and tests drive events
// directly through the returned handles.
type Memory struct {
	mu      sync.Mutex
	handles map[string][]*MemoryHandle

	// HoldConnecting keeps new handles in the connecting state until the
	// test emits an explicit open. Zero value: auto-open on Connect.
	HoldConnecting bool

	// ConnectErr, when set, makes Connect fail.
	ConnectErr error
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	return &Memory{handles: make(map[string][]*MemoryHandle)}
}

// Connect implements Transport.
func (m *Memory) Connect(_ context.Context, sessionID string, authState []byte, handlers EventHandlers) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}

	h := &MemoryHandle{
		sessionID: sessionID,
		handlers:  handlers,
		paired:    len(authState) > 0,
	}
	m.handles[sessionID] = append(m.handles[sessionID], h)

	if !m.HoldConnecting {
		// Emit async like a real provider would: pairing code first when
		// the session has no stored credentials, then open.
		go func() {
			if !h.paired {
				h.EmitPairingCode("pair-" + uuid.NewString()[:8])
			}
			h.EmitOpen()
		}()
	}
	return h, nil
}

// Handle returns the latest handle opened for a session, or nil.
func (m *Memory) Handle(sessionID string) *MemoryHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handles[sessionID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// HandleCount returns how many handles were ever opened for a session.
func (m *Memory) HandleCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles[sessionID])
}

// MemoryHandle is the in-process Handle implementation.
type MemoryHandle struct {
	sessionID string
	handlers  EventHandlers
	paired    bool
	closed    atomic.Bool

	mu        sync.Mutex
	sends     []SentRecord
	presences []PresenceRecord

	// SendErr, when set, makes Send fail.
	SendErr error
}

// SentRecord is one recorded Send call.
type SentRecord struct {
	Recipient string
	Text      string
	At        time.Time
}

// PresenceRecord is one recorded presence call.
type PresenceRecord struct {
	Recipient string
	Presence  Presence
}

// Send implements Handle.
func (h *MemoryHandle) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.closed.Load() {
		return nil, fmt.Errorf("send on closed handle (session %s)", h.sessionID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return nil, h.SendErr
	}
	h.sends = append(h.sends, SentRecord{Recipient: recipient, Text: text, At: time.Now()})
	return &Receipt{MessageID: uuid.NewString()}, nil
}

// SubscribePresence implements Handle.
func (h *MemoryHandle) SubscribePresence(_ context.Context, _ string) error { return nil }

// UpdatePresence implements Handle.
func (h *MemoryHandle) UpdatePresence(_ context.Context, recipient string, p Presence) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presences = append(h.presences, PresenceRecord{Recipient: recipient, Presence: p})
	return nil
}

// Logout implements Handle.
func (h *MemoryHandle) Logout(_ context.Context) error { return nil }

// Close implements Handle. Gateway-initiated closes emit no events; a
// provider-side disconnect is simulated with EmitClose.
func (h *MemoryHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// Sends returns a copy of all recorded sends.
func (h *MemoryHandle) Sends() []SentRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentRecord, len(h.sends))
	copy(out, h.sends)
	return out
}

// Presences returns a copy of all recorded presence updates.
func (h *MemoryHandle) Presences() []PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PresenceRecord, len(h.presences))
	copy(out, h.presences)
	return out
}

// EmitPairingCode delivers a fresh pairing code event.
func (h *MemoryHandle) EmitPairingCode(code string) {
	h.emitConnection(ConnectionUpdate{PairingCode: code})
}

// EmitOpen delivers a successful open event.
func (h *MemoryHandle) EmitOpen() {
	h.emitConnection(ConnectionUpdate{State: ConnOpen})
}

// EmitClose delivers a close event with the given provider status code.
func (h *MemoryHandle) EmitClose(statusCode int) {
	h.closed.Store(true)
	h.emitConnection(ConnectionUpdate{State: ConnClose, StatusCode: statusCode})
}

// EmitMessage delivers an inbound message event.
func (h *MemoryHandle) EmitMessage(msg InboundMessage) {
	if h.handlers.OnMessage != nil {
		h.handlers.OnMessage(msg)
	}
}

// EmitCreds delivers a credential update event.
func (h *MemoryHandle) EmitCreds(creds []byte) {
	if h.handlers.OnCreds != nil {
		h.handlers.OnCreds(creds)
	}
}

func (h *MemoryHandle) emitConnection(u ConnectionUpdate) {
	if h.handlers.OnConnection != nil {
		h.handlers.OnConnection(u)
	}
}
