package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chat-gateway/internal/config"
	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/transport"
	"github.com/p-blackswan/chat-gateway/internal/webhook"
)

type stubDirectory struct {
	h transport.Handle
}

func (d *stubDirectory) HandleFor(string) (transport.Handle, error) { return d.h, nil }

func newTestPipeline(t *testing.T, webhookURL string) (*Pipeline, *governor.Governor, *transport.MemoryHandle) {
	t.Helper()

	mem := transport.NewMemory()
	mem.HoldConnecting = true
	h, err := mem.Connect(context.Background(), "acct1", nil, transport.EventHandlers{})
	require.NoError(t, err)

	gov := governor.New(config.DefaultPolicy(), 0, nil, zerolog.Nop())
	fw := webhook.New(webhookURL, 5*time.Second, 3, nil, zerolog.Nop())
	p := New(gov, &stubDirectory{h: h}, fw, zerolog.Nop())
	return p, gov, h.(*transport.MemoryHandle)
}

func TestHandle_StopKeywordOptsOut(t *testing.T) {
	p, gov, h := newTestPipeline(t, "")

	p.Handle("acct1", transport.InboundMessage{From: "r1", Text: "  STOP  "})

	assert.True(t, gov.OptOut.Contains("r1"))

	// Confirmation went out through the transport.
	sends := h.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "r1", sends[0].Recipient)
	assert.Equal(t, confirmationText, sends[0].Text)
}

func TestHandle_AllStopKeywords(t *testing.T) {
	for _, kw := range []string{"stop", "salir", "baja", "no molestar"} {
		p, gov, _ := newTestPipeline(t, "")
		p.Handle("acct1", transport.InboundMessage{From: "r1", Text: kw})
		assert.True(t, gov.OptOut.Contains("r1"), "keyword %q", kw)
	}
}

func TestHandle_OptedOutSenderDropped(t *testing.T) {
	srvCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		srvCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, gov, h := newTestPipeline(t, srv.URL)
	gov.OptOut.Add("r1")

	p.Handle("acct1", transport.InboundMessage{From: "r1", Text: "hola"})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, srvCalled, "opted-out sender must not be forwarded")
	assert.Empty(t, h.Sends())
}

func TestHandle_RecordsTrustSignal(t *testing.T) {
	p, gov, _ := newTestPipeline(t, "")

	now := time.Now()
	gov.Cooldowns.Set(governor.ContactCooldownKey("acct1", "r1"), time.Hour, "test_hold", now)

	p.Handle("acct1", transport.InboundMessage{From: "r1", Text: "hola"})

	assert.False(t, gov.Cooldowns.Check(governor.ContactCooldownKey("acct1", "r1"), now).Cooling,
		"inbound message must clear the contact cooldown")
	_, ok := gov.Activity.SinceInbound("acct1", "r1", time.Now())
	assert.True(t, ok)
}

func TestHandle_ForwardsToWebhook(t *testing.T) {
	var mu sync.Mutex
	var got webhook.Payload
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	p, _, _ := newTestPipeline(t, srv.URL)
	p.Handle("acct1", transport.InboundMessage{From: "r1", MessageID: "m1", Type: "text", Text: "hola"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "acct1", got.SessionID)
	assert.Equal(t, "r1", got.From)
	assert.Equal(t, "hola", got.Text)
}
