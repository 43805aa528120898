package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
)

// WSConfig holds relay transport configuration.
type WSConfig struct {
	// URL is the relay WebSocket URL, e.g. "ws://localhost:18790/ws/transport".
	URL string

	// Token is the relay auth token.
	Token string

	// RequestTimeout is the max wait for a relay response. Default: 30s.
	RequestTimeout time.Duration
}

// WS is a Transport backed by a relay process that owns the real protocol
// stack. Each session gets its own WebSocket connection; provider events
// arrive as JSON event frames.
type WS struct {
	cfg    WSConfig
	logger zerolog.Logger
}

// NewWS creates a relay-backed transport.
func NewWS(cfg WSConfig, logger zerolog.Logger) *WS {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &WS{cfg: cfg, logger: logger.With().Str("component", "ws-transport").Logger()}
}

// --- Protocol frames ---

type wsFrame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *wsError        `json:"error,omitempty"`   // response error
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

type attachParams struct {
	SessionID string `json:"sessionId"`
	AuthState string `json:"authState,omitempty"` // base64
	Token     string `json:"token,omitempty"`
}

type sendParams struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type sendResult struct {
	MessageID string `json:"messageId"`
}

type presenceParams struct {
	Recipient string `json:"recipient"`
	Presence  string `json:"presence,omitempty"`
}

type connectionEvent struct {
	Connection  string `json:"connection"`
	StatusCode  int    `json:"statusCode"`
	PairingCode string `json:"pairingCode,omitempty"`
}

type messageEvent struct {
	From      string `json:"from"`
	MessageID string `json:"messageId"`
	MsgType   string `json:"msgType"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

type credsEvent struct {
	AuthState string `json:"authState"` // base64
}

// Connect implements Transport: dials the relay, attaches the session, and
// starts the event read loop.
func (t *WS) Connect(ctx context.Context, sessionID string, authState []byte, handlers EventHandlers) (Handle, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, gwerrors.NewTransportError("connect", sessionID, 0, err)
	}

	h := &wsHandle{
		sessionID: sessionID,
		conn:      conn,
		handlers:  handlers,
		timeout:   t.cfg.RequestTimeout,
		logger:    t.logger.With().Str("session", sessionID).Logger(),
		pending:   make(map[string]chan wsFrame),
		stopCh:    make(chan struct{}),
	}

	if err := h.attach(ctx, authState, t.cfg.Token); err != nil {
		conn.Close()
		return nil, gwerrors.NewTransportError("connect", sessionID, 0, err)
	}

	go h.readLoop()
	h.logger.Info().Msg("attached to relay")
	return h, nil
}

type wsHandle struct {
	sessionID string
	handlers  EventHandlers
	timeout   time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	pending map[string]chan wsFrame
	stopCh  chan struct{}

	// Events interleaved before the attach response. Dispatched by the read
	// loop, never from Connect's goroutine: the caller may hold locks that
	// the event handlers take.
	deferred []wsFrame
}

// attach performs the session handshake before the read loop starts.
func (h *wsHandle) attach(ctx context.Context, authState []byte, token string) error {
	params := attachParams{SessionID: h.sessionID, Token: token}
	if len(authState) > 0 {
		params.AuthState = base64.StdEncoding.EncodeToString(authState)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling attach params: %w", err)
	}

	reqID := uuid.New().String()
	req := wsFrame{Type: "req", ID: reqID, Method: "attach", Params: paramsJSON}
	reqBytes, _ := json.Marshal(req)
	if err := h.conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("sending attach: %w", err)
	}

	// The relay may interleave events before the attach response.
	deadline := time.Now().Add(h.timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("attach response timeout")
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		h.conn.SetReadDeadline(deadline)
		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading attach response: %w", err)
		}
		h.conn.SetReadDeadline(time.Time{})

		var resp wsFrame
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type == "event" {
			h.deferred = append(h.deferred, resp)
			continue
		}
		if resp.Type == "res" && resp.ID == reqID {
			if resp.OK != nil && *resp.OK {
				return nil
			}
			errMsg := "unknown error"
			if resp.Error != nil {
				errMsg = resp.Error.Message
			}
			return fmt.Errorf("attach rejected: %s", errMsg)
		}
	}
}

func (h *wsHandle) readLoop() {
	for _, f := range h.deferred {
		h.dispatchEvent(f)
	}
	h.deferred = nil

	defer func() {
		h.mu.Lock()
		for id, ch := range h.pending {
			ch <- wsFrame{Type: "res", ID: id, Error: &wsError{Code: "DISCONNECTED", Message: "connection lost"}}
			delete(h.pending, id)
		}
		wasClosed := h.closed
		h.closed = true
		h.mu.Unlock()

		// A read-loop exit the gateway did not ask for is a provider
		// disconnect; surface it as a transient close event.
		if !wasClosed && h.handlers.OnConnection != nil {
			h.handlers.OnConnection(ConnectionUpdate{State: ConnClose, StatusCode: 0})
		}
	}()

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			h.logger.Warn().Err(err).Msg("ws parse error")
			continue
		}

		switch frame.Type {
		case "res":
			h.mu.Lock()
			ch, ok := h.pending[frame.ID]
			if ok {
				delete(h.pending, frame.ID)
			}
			h.mu.Unlock()
			if ok {
				ch <- frame
			}
		case "event":
			h.dispatchEvent(frame)
		}
	}
}

func (h *wsHandle) dispatchEvent(frame wsFrame) {
	switch frame.Event {
	case "connection.update":
		var ev connectionEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			h.logger.Warn().Err(err).Msg("bad connection.update payload")
			return
		}
		if h.handlers.OnConnection != nil {
			h.handlers.OnConnection(ConnectionUpdate{
				State:       ConnState(ev.Connection),
				StatusCode:  ev.StatusCode,
				PairingCode: ev.PairingCode,
			})
		}
	case "message":
		var ev messageEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			h.logger.Warn().Err(err).Msg("bad message payload")
			return
		}
		if h.handlers.OnMessage != nil {
			h.handlers.OnMessage(InboundMessage{
				From:      ev.From,
				MessageID: ev.MessageID,
				Type:      ev.MsgType,
				Text:      ev.Text,
				Timestamp: time.UnixMilli(ev.Timestamp),
			})
		}
	case "creds.update":
		var ev credsEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			h.logger.Warn().Err(err).Msg("bad creds.update payload")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(ev.AuthState)
		if err != nil {
			h.logger.Warn().Err(err).Msg("bad creds.update encoding")
			return
		}
		if h.handlers.OnCreds != nil {
			h.handlers.OnCreds(raw)
		}
	default:
		h.logger.Trace().Str("event", frame.Event).Msg("event received")
	}
}

// request sends a req frame and waits for the matching res.
func (h *wsHandle) request(ctx context.Context, method string, params any) (wsFrame, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return wsFrame{}, fmt.Errorf("marshaling %s params: %w", method, err)
	}

	reqID := uuid.New().String()
	req := wsFrame{Type: "req", ID: reqID, Method: method, Params: paramsJSON}
	reqBytes, _ := json.Marshal(req)

	respCh := make(chan wsFrame, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return wsFrame{}, gwerrors.ErrTransportClosed
	}
	h.pending[reqID] = respCh
	err = h.conn.WriteMessage(websocket.TextMessage, reqBytes)
	h.mu.Unlock()

	if err != nil {
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
		return wsFrame{}, fmt.Errorf("sending %s request: %w", method, err)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			status := resp.Error.Status
			return wsFrame{}, gwerrors.NewTransportError(method, h.sessionID, status,
				fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message))
		}
		if resp.OK == nil || !*resp.OK {
			return wsFrame{}, gwerrors.NewTransportError(method, h.sessionID, 0, fmt.Errorf("request failed"))
		}
		return resp, nil
	case <-timer.C:
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
		return wsFrame{}, gwerrors.ErrTimeout
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
		return wsFrame{}, ctx.Err()
	}
}

// Send implements Handle.
func (h *wsHandle) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	resp, err := h.request(ctx, "send", sendParams{Recipient: recipient, Text: text})
	if err != nil {
		return nil, err
	}
	var result sendResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("parsing send response: %w", err)
	}
	return &Receipt{MessageID: result.MessageID}, nil
}

// SubscribePresence implements Handle.
func (h *wsHandle) SubscribePresence(ctx context.Context, recipient string) error {
	_, err := h.request(ctx, "presence.subscribe", presenceParams{Recipient: recipient})
	return err
}

// UpdatePresence implements Handle.
func (h *wsHandle) UpdatePresence(ctx context.Context, recipient string, p Presence) error {
	_, err := h.request(ctx, "presence.update", presenceParams{Recipient: recipient, Presence: string(p)})
	return err
}

// Logout implements Handle.
func (h *wsHandle) Logout(ctx context.Context) error {
	_, err := h.request(ctx, "logout", struct{}{})
	return err
}

// Close implements Handle.
func (h *wsHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stopCh)
	conn := h.conn
	h.mu.Unlock()

	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return conn.Close()
}
