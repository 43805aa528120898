package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
)

// mockRelay simulates the relay side of the WS transport protocol.
type mockRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	// rejectAttach makes the attach handshake fail.
	rejectAttach bool
	// preAttachEvents are emitted between the attach request and its
	// response, like a relay that already has provider events buffered.
	preAttachEvents []wsFrame
	// sendStatus, when non-zero, turns send responses into errors with
	// that status code.
	sendStatus int

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockRelay(t *testing.T) *mockRelay {
	mr := &mockRelay{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/transport", mr.handleWS)
	mr.server = httptest.NewServer(mux)
	return mr
}

func (mr *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(mr.server.URL, "http") + "/ws/transport"
}

func (mr *mockRelay) close() {
	mr.mu.Lock()
	for _, conn := range mr.conns {
		conn.Close()
	}
	mr.mu.Unlock()
	mr.server.Close()
}

func (mr *mockRelay) closeConns() {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for _, conn := range mr.conns {
		conn.Close()
	}
}

func (mr *mockRelay) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mr.t.Logf("upgrade error: %v", err)
		return
	}
	mr.mu.Lock()
	mr.conns = append(mr.conns, conn)
	mr.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsFrame
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		if req.Type != "req" {
			continue
		}
		mr.respond(conn, req)
	}
}

func (mr *mockRelay) respond(conn *websocket.Conn, req wsFrame) {
	ok := true
	res := wsFrame{Type: "res", ID: req.ID, OK: &ok}

	switch req.Method {
	case "attach":
		for _, ev := range mr.preAttachEvents {
			raw, _ := json.Marshal(ev)
			conn.WriteMessage(websocket.TextMessage, raw)
		}
		if mr.rejectAttach {
			notOK := false
			res.OK = &notOK
			res.Error = &wsError{Code: "UNAUTHORIZED", Message: "bad token"}
		}
	case "send":
		if mr.sendStatus != 0 {
			res.OK = nil
			res.Error = &wsError{Code: "SEND_FAILED", Message: "provider refused", Status: mr.sendStatus}
		} else {
			res.Payload, _ = json.Marshal(sendResult{MessageID: "msg-001"})
		}
	case "presence.subscribe", "presence.update", "logout":
		// ok as-is
	}

	raw, _ := json.Marshal(res)
	conn.WriteMessage(websocket.TextMessage, raw)
}

func eventFrame(t *testing.T, event string, payload any) wsFrame {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return wsFrame{Type: "event", Event: event, Payload: raw}
}

func newWSForTest(mr *mockRelay) *WS {
	return NewWS(WSConfig{URL: mr.url(), Token: "tok", RequestTimeout: 2 * time.Second}, zerolog.Nop())
}

func TestWS_ConnectSendAndPresence(t *testing.T) {
	mr := newMockRelay(t)
	defer mr.close()

	tr := newWSForTest(mr)
	h, err := tr.Connect(context.Background(), "acct1", nil, EventHandlers{})
	require.NoError(t, err)
	defer h.Close()

	receipt, err := h.Send(context.Background(), "15551234567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-001", receipt.MessageID)

	assert.NoError(t, h.SubscribePresence(context.Background(), "15551234567"))
	assert.NoError(t, h.UpdatePresence(context.Background(), "15551234567", PresenceComposing))
	assert.NoError(t, h.Logout(context.Background()))
}

func TestWS_AttachRejected(t *testing.T) {
	mr := newMockRelay(t)
	defer mr.close()
	mr.rejectAttach = true

	tr := newWSForTest(mr)
	_, err := tr.Connect(context.Background(), "acct1", nil, EventHandlers{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
}

func TestWS_EventsBeforeAttachResponseAreDelivered(t *testing.T) {
	mr := newMockRelay(t)
	defer mr.close()
	mr.preAttachEvents = []wsFrame{
		eventFrame(t, "connection.update", connectionEvent{Connection: "connecting", PairingCode: "pair-77"}),
	}

	updates := make(chan ConnectionUpdate, 4)
	tr := newWSForTest(mr)
	h, err := tr.Connect(context.Background(), "acct1", nil, EventHandlers{
		OnConnection: func(u ConnectionUpdate) { updates <- u },
	})
	require.NoError(t, err)
	defer h.Close()

	select {
	case u := <-updates:
		assert.Equal(t, "pair-77", u.PairingCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deferred connection.update")
	}
}

func TestWS_SendErrorCarriesStatus(t *testing.T) {
	mr := newMockRelay(t)
	defer mr.close()
	mr.sendStatus = 429

	tr := newWSForTest(mr)
	h, err := tr.Connect(context.Background(), "acct1", nil, EventHandlers{})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Send(context.Background(), "15551234567", "hello")
	require.Error(t, err)
	assert.True(t, gwerrors.IsProviderRisk(err))
}

func TestWS_InboundMessageDispatched(t *testing.T) {
	mr := newMockRelay(t)
	defer mr.close()

	msgs := make(chan InboundMessage, 1)
	tr := newWSForTest(mr)
	h, err := tr.Connect(context.Background(), "acct1", nil, EventHandlers{
		OnMessage: func(m InboundMessage) { msgs <- m },
	})
	require.NoError(t, err)
	defer h.Close()

	frame := eventFrame(t, "message", messageEvent{
		From: "15551234567", MessageID: "in-1", MsgType: "text",
		Text: "hola", Timestamp: time.Now().UnixMilli(),
	})
	raw, _ := json.Marshal(frame)
	mr.mu.Lock()
	conn := mr.conns[0]
	mr.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	select {
	case m := <-msgs:
		assert.Equal(t, "in-1", m.MessageID)
		assert.Equal(t, "hola", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestWS_RelayDropEmitsTransientClose(t *testing.T) {
	mr := newMockRelay(t)
	defer mr.close()

	updates := make(chan ConnectionUpdate, 4)
	tr := newWSForTest(mr)
	h, err := tr.Connect(context.Background(), "acct1", nil, EventHandlers{
		OnConnection: func(u ConnectionUpdate) { updates <- u },
	})
	require.NoError(t, err)
	defer h.Close()

	mr.closeConns()

	select {
	case u := <-updates:
		assert.Equal(t, ConnClose, u.State)
		assert.NotEqual(t, StatusLoggedOut, u.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close event")
	}
}
