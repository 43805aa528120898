package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
	"github.com/p-blackswan/chat-gateway/internal/metrics"
	"github.com/p-blackswan/chat-gateway/internal/transport"
)

// CredentialStore persists provider auth state across restarts.
type CredentialStore interface {
	SaveCredentials(sessionID string, authState []byte) error
	LoadCredentials(sessionID string) ([]byte, error)
	PurgeCredentials(sessionID string) error
}

// InboundHandler receives every inbound message from any session.
type InboundHandler func(sessionID string, msg transport.InboundMessage)

// Manager owns all sessions and their connection lifecycles.
type Manager struct {
	transport transport.Transport
	creds     CredentialStore
	opts      Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	handlerMu sync.RWMutex
	onInbound InboundHandler

	active atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// session is the mutable record behind a Snapshot. Its mutex serializes
// start/reset/stop and all transport event handling for one id.
type session struct {
	mu sync.Mutex

	id            string
	state         State
	handle        transport.Handle
	gen           uint64
	pairingCode   string
	pairingCodeAt time.Time
	startedAt     time.Time
	lastUpdate    time.Time
	attempts      int
	lastRefresh   time.Time
	reconnect     *time.Timer
	stopped       bool

	watchdogCancel context.CancelFunc
}

// NewManager creates a manager with no sessions.
func NewManager(tr transport.Transport, creds CredentialStore, opts Options, met *metrics.Metrics, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: tr,
		creds:     creds,
		opts:      opts,
		metrics:   met,
		logger:    logger.With().Str("component", "session").Logger(),
		sessions:  make(map[string]*session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetInboundHandler registers the downstream consumer of inbound messages.
// Must be called before the first session starts receiving.
func (m *Manager) SetInboundHandler(fn InboundHandler) {
	m.handlerMu.Lock()
	m.onInbound = fn
	m.handlerMu.Unlock()
}

// Start opens a session, creating it on first use. Idempotent: an already
// active session is returned unchanged without opening a second handle.
func (m *Manager) Start(ctx context.Context, id string) (Snapshot, error) {
	s := m.getOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateActive && s.handle != nil {
		return s.snapshotLocked(), nil
	}
	if err := m.connectLocked(ctx, s); err != nil {
		return s.snapshotLocked(), err
	}
	return s.snapshotLocked(), nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return Snapshot{}, gwerrors.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// List returns snapshots of all sessions, ordered by id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartedAt reports when a session was first started. Feeds the daily-cap
// warm-up ramp.
func (m *Manager) StartedAt(id string) (time.Time, bool) {
	s := m.lookup(id)
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt, !s.startedAt.IsZero()
}

// HandleFor returns the live transport handle for an active session.
func (m *Manager) HandleFor(id string) (transport.Handle, error) {
	s := m.lookup(id)
	if s == nil {
		return nil, gwerrors.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.handle == nil {
		return nil, gwerrors.ErrSessionInactive
	}
	return s.handle, nil
}

// ForceRefresh closes the current handle and reconnects to mint a fresh
// pairing code. Throttled per session; calls inside the window return the
// current state unchanged.
func (m *Manager) ForceRefresh(ctx context.Context, id string) (Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return Snapshot{}, gwerrors.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < m.opts.RefreshMinInterval {
		return s.snapshotLocked(), nil
	}
	s.lastRefresh = now

	m.metrics.RecordReconnect("force_refresh")
	s.closeHandleLocked()
	s.pairingCode = ""
	if err := m.connectLocked(ctx, s); err != nil {
		return s.snapshotLocked(), err
	}
	return s.snapshotLocked(), nil
}

// Reset logs out, purges persisted credentials, and restarts the session
// from an empty pairing.
func (m *Manager) Reset(ctx context.Context, id string) (Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return Snapshot{}, gwerrors.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		if err := s.handle.Logout(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("logout during reset failed")
		}
	}
	s.closeHandleLocked()
	if err := m.creds.PurgeCredentials(id); err != nil {
		m.logger.Warn().Err(err).Str("session", id).Msg("credential purge failed")
	}

	s.pairingCode = ""
	s.attempts = 0
	s.startedAt = time.Now()

	m.metrics.RecordReconnect("reset")
	if err := m.connectLocked(ctx, s); err != nil {
		return s.snapshotLocked(), err
	}
	return s.snapshotLocked(), nil
}

// Stop logs out, tears down the handle and watchdog, and removes the
// session. Stopping an unknown session is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.watchdogCancel != nil {
		s.watchdogCancel()
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.handle != nil {
		if err := s.handle.Logout(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session", id).Msg("logout during stop failed")
		}
	}
	s.closeHandleLocked()
	m.setStateLocked(s, StateInactive)
	m.logger.Info().Str("session", id).Msg("session stopped")
}

// StopAll stops every session and waits for background goroutines to exit.
func (m *Manager) StopAll(ctx context.Context) {
	for _, snap := range m.List() {
		m.Stop(ctx, snap.ID)
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) getOrCreate(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	wctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		id:             id,
		state:          StateConnecting,
		startedAt:      time.Now(),
		watchdogCancel: cancel,
	}
	m.sessions[id] = s
	m.wg.Add(1)
	go m.watchdog(wctx, s)
	return s
}

// connectLocked opens a fresh transport handle. Callers hold s.mu. A failed
// connect leaves the session inactive with a nil handle rather than stuck
// in connecting.
func (m *Manager) connectLocked(ctx context.Context, s *session) error {
	s.closeHandleLocked()
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}

	authState, err := m.creds.LoadCredentials(s.id)
	if err != nil {
		m.logger.Warn().Err(err).Str("session", s.id).Msg("loading credentials failed, pairing fresh")
		authState = nil
	}

	s.gen++
	gen := s.gen
	handlers := transport.EventHandlers{
		OnConnection: func(u transport.ConnectionUpdate) { m.onConnection(s, gen, u) },
		OnMessage:    func(msg transport.InboundMessage) { m.onMessage(s, gen, msg) },
		OnCreds:      func(creds []byte) { m.onCreds(s, creds) },
	}

	h, err := m.transport.Connect(ctx, s.id, authState, handlers)
	if err != nil {
		m.setStateLocked(s, StateInactive)
		s.lastUpdate = time.Now()
		return fmt.Errorf("connecting session %s: %w", s.id, err)
	}

	s.handle = h
	m.setStateLocked(s, StateConnecting)
	s.lastUpdate = time.Now()
	m.logger.Info().Str("session", s.id).Msg("transport connecting")
	return nil
}

func (m *Manager) onConnection(s *session, gen uint64, u transport.ConnectionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}

	now := time.Now()
	s.lastUpdate = now

	if u.PairingCode != "" {
		s.pairingCode = u.PairingCode
		s.pairingCodeAt = now
		m.logger.Info().Str("session", s.id).Msg("pairing code issued")
	}

	switch u.State {
	case transport.ConnOpen:
		m.setStateLocked(s, StateActive)
		s.attempts = 0
		s.pairingCode = ""
		m.logger.Info().Str("session", s.id).Msg("session active")

	case transport.ConnClose:
		s.closeHandleLocked()
		if u.StatusCode == transport.StatusLoggedOut {
			m.setStateLocked(s, StateInactive)
			m.logger.Warn().Str("session", s.id).Msg("logged out, not reconnecting")
			if m.opts.AutoPurgeOnLogout {
				if err := m.creds.PurgeCredentials(s.id); err != nil {
					m.logger.Warn().Err(err).Str("session", s.id).Msg("credential purge failed")
				}
			}
			return
		}

		m.setStateLocked(s, StateConnecting)
		delay := withJitter(backoffDelay(s.attempts, m.opts))
		if s.attempts < m.opts.BackoffMaxAttempts {
			s.attempts++
		}
		m.logger.Warn().Str("session", s.id).Int("status", u.StatusCode).
			Int("attempt", s.attempts).Dur("delay", delay).Msg("disconnected, reconnect scheduled")
		s.reconnect = time.AfterFunc(delay, func() { m.restart(s.id, "backoff") })
	}
}

func (m *Manager) onMessage(s *session, gen uint64, msg transport.InboundMessage) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	m.metrics.RecordInbound()
	m.handlerMu.RLock()
	fn := m.onInbound
	m.handlerMu.RUnlock()
	if fn != nil {
		fn(s.id, msg)
	}
}

func (m *Manager) onCreds(s *session, creds []byte) {
	if err := m.creds.SaveCredentials(s.id, creds); err != nil {
		m.logger.Error().Err(err).Str("session", s.id).Msg("saving credentials failed")
	}
}

// restart reconnects a session after a backoff delay or a watchdog trip.
// A session stopped in the meantime is gone from the table and skipped.
func (m *Manager) restart(id, trigger string) {
	s := m.lookup(id)
	if s == nil {
		return
	}
	m.restartSession(s, trigger)
}

// restartSession reconnects a resolved session record. The stopped flag is
// re-checked under s.mu: a Stop racing the lookup must not leave an orphan
// transport handle nothing can close.
func (m *Manager) restartSession(s *session, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	m.metrics.RecordReconnect(trigger)
	if err := m.connectLocked(m.ctx, s); err != nil {
		m.logger.Error().Err(err).Str("session", s.id).Str("trigger", trigger).Msg("restart failed")
	}
}

// watchdog forces a fresh pairing code when the current one goes stale
// before the session ever reached active.
func (m *Manager) watchdog(ctx context.Context, s *session) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.WatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if m.expirePairingCode(s, now) {
				m.restart(s.id, "qr_expired")
			}
		}
	}
}

// expirePairingCode closes the handle when the unscanned code is past its
// TTL; the caller then reconnects to mint a new one.
func (m *Manager) expirePairingCode(s *session, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.pairingCode == "" {
		return false
	}
	if now.Sub(s.pairingCodeAt) <= m.opts.PairingCodeTTL {
		return false
	}
	m.logger.Warn().Str("session", s.id).Msg("pairing code expired, forcing refresh")
	s.closeHandleLocked()
	s.pairingCode = ""
	return true
}

func (m *Manager) setStateLocked(s *session, next State) {
	if s.state == StateActive && next != StateActive {
		m.active.Add(-1)
	} else if s.state != StateActive && next == StateActive {
		m.active.Add(1)
	}
	s.state = next
	m.metrics.SetSessionsActive(float64(m.active.Load()))
}

func (s *session) closeHandleLocked() {
	if s.handle == nil {
		return
	}
	_ = s.handle.Close()
	s.handle = nil
}

func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:              s.id,
		State:           s.state,
		PairingCode:     s.pairingCode,
		PairingCodeAt:   s.pairingCodeAt,
		StartedAt:       s.startedAt,
		LastUpdateAt:    s.lastUpdate,
		BackoffAttempts: s.attempts,
	}
}
