package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chat-gateway/internal/config"
	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/store"
	"github.com/p-blackswan/chat-gateway/internal/transport"
)

type stubDirectory struct {
	mu  sync.Mutex
	h   transport.Handle
	err error
}

func (d *stubDirectory) HandleFor(string) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.h, nil
}

func (d *stubDirectory) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type deadSink struct {
	mu    sync.Mutex
	saved []*store.DeadLetter
}

func (ds *deadSink) SaveDeadLetter(dl *store.DeadLetter) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.saved = append(ds.saved, dl)
	return nil
}

func (ds *deadSink) count() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.saved)
}

type fixture struct {
	sched  *Scheduler
	gov    *governor.Governor
	handle *transport.MemoryHandle
	dir    *stubDirectory
	dead   *deadSink
}

// openPolicy never gates on business hours or the daily cap.
func openPolicy() config.Policy {
	return config.Policy{
		BusinessHourStart: 0, BusinessHourEnd: 23,
		DailyCapBase: 100000, DailyCapMax: 100000, WarmupDays: 10,
	}
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	mem := transport.NewMemory()
	mem.HoldConnecting = true
	h, err := mem.Connect(context.Background(), "acct1", nil, transport.EventHandlers{})
	require.NoError(t, err)

	dir := &stubDirectory{h: h}
	started := time.Now().Add(-30 * 24 * time.Hour)
	gov := governor.New(openPolicy(), 0, func(string) (time.Time, bool) { return started, true }, zerolog.Nop())

	exec := NewExecutor(dir, nil, zerolog.Nop())
	exec.ComposeDelayPerRune = 0
	exec.ComposeDelayMin = 0
	exec.ComposeDelayMax = 0

	dead := &deadSink{}
	sched := NewScheduler(gov, exec, dead, maxAttempts, nil, zerolog.Nop())
	sched.NextHeadDelay = 10 * time.Millisecond
	sched.OfflineRetryDelay = 20 * time.Millisecond
	t.Cleanup(sched.Close)

	return &fixture{sched: sched, gov: gov, handle: h.(*transport.MemoryHandle), dir: dir, dead: dead}
}

func TestSubmit_DirectSendSuccess(t *testing.T) {
	f := newFixture(t, 10)

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	require.NotNil(t, res.Receipt)
	assert.NotEmpty(t, res.Receipt.MessageID)

	sends := f.handle.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "r1", sends[0].Recipient)
	assert.Equal(t, "hello there", sends[0].Text)

	// Typing simulation ran before the send.
	presences := f.handle.Presences()
	require.Len(t, presences, 3)
	assert.Equal(t, transport.PresenceAvailable, presences[0].Presence)
	assert.Equal(t, transport.PresenceComposing, presences[1].Presence)
	assert.Equal(t, transport.PresencePaused, presences[2].Presence)
}

func TestSubmit_RejectedOptOut(t *testing.T) {
	f := newFixture(t, 10)
	f.gov.OptOut.Add("r1")

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, governor.CodeRecipientOptedOut, res.Code)
	assert.Empty(t, f.handle.Sends())
	assert.Zero(t, f.sched.Depth())
}

func TestSubmit_DeferredThenDelivered(t *testing.T) {
	f := newFixture(t, 10)
	f.gov.Cooldowns.Set(governor.ContactCooldownKey("acct1", "r1"), 30*time.Millisecond, "test_hold", time.Now())

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, "test_hold", res.Code)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, 1, f.sched.Depth())

	require.Eventually(t, func() bool {
		return len(f.handle.Sends()) == 1 && f.sched.Depth() == 0
	}, 2*time.Second, 5*time.Millisecond, "deferred job never delivered")
}

func TestFIFO_PerRecipient(t *testing.T) {
	f := newFixture(t, 10)
	f.gov.Cooldowns.Set(governor.ContactCooldownKey("acct1", "r1"), 30*time.Millisecond, "test_hold", time.Now())

	for _, text := range []string{"first", "second", "third"} {
		res, err := f.sched.Submit(context.Background(), "acct1", "r1", text)
		require.NoError(t, err)
		require.Equal(t, StatusQueued, res.Status)
	}
	assert.Equal(t, 3, f.sched.Depth())

	require.Eventually(t, func() bool {
		return len(f.handle.Sends()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	sends := f.handle.Sends()
	assert.Equal(t, "first", sends[0].Text)
	assert.Equal(t, "second", sends[1].Text)
	assert.Equal(t, "third", sends[2].Text)
	assert.Zero(t, f.sched.Depth())
}

func TestAttempt_StaleTimerIsNoOp(t *testing.T) {
	f := newFixture(t, 10)
	f.gov.Cooldowns.Set(governor.ContactCooldownKey("acct1", "r1"), time.Hour, "test_hold", time.Now())

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	// A timer carrying a stale job id must not dispatch anything.
	f.sched.attempt(queueKey("acct1", "r1"), "no-such-job")
	assert.Empty(t, f.handle.Sends())
	assert.Equal(t, 1, f.sched.Depth())
}

func TestSubmit_QueueBacklogKeepsOrder(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.enqueue("acct1", "r1", "first", time.Hour, "test_hold")

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "second")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, "queue_backlog", res.Code)

	jobs := f.sched.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "first", jobs[0].Text)
	assert.Equal(t, "second", jobs[1].Text)
}

func TestSubmit_SendFailureQueuesRetry(t *testing.T) {
	f := newFixture(t, 10)
	f.handle.SendErr = errors.New("stream reset")

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, governor.CodeRetryAfterError, res.Code)
	assert.Greater(t, res.RetryIn, time.Duration(0))
	assert.Equal(t, 1, f.sched.Depth())

	jobs := f.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestSubmit_UnknownSessionLeavesGovernanceUntouched(t *testing.T) {
	f := newFixture(t, 10)
	f.dir.setErr(gwerrors.ErrSessionNotFound)

	// Hammer past the session bucket burst; none of it may consume tokens
	// or daily count for the id.
	for i := 0; i < 10; i++ {
		_, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
		assert.ErrorIs(t, err, gwerrors.ErrSessionNotFound)
	}
	assert.Zero(t, f.sched.Depth())

	// Once the session exists, the very next submit is admitted.
	f.dir.setErr(nil)
	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
}

func TestSubmit_DirectFailureRetriesAheadOfBacklog(t *testing.T) {
	f := newFixture(t, 10)
	f.handle.SendErr = errors.New("stream reset")
	f.sched.executor.ComposeDelayMin = 80 * time.Millisecond
	f.sched.executor.ComposeDelayMax = 80 * time.Millisecond

	type outcome struct {
		res Result
		err error
	}
	direct := make(chan outcome, 1)
	go func() {
		res, err := f.sched.Submit(context.Background(), "acct1", "r1", "first")
		direct <- outcome{res, err}
	}()

	key := queueKey("acct1", "r1")
	require.Eventually(t, func() bool {
		f.sched.mu.Lock()
		defer f.sched.mu.Unlock()
		q := f.sched.queues[key]
		return q != nil && q.inflight
	}, time.Second, 2*time.Millisecond, "direct send never went in flight")

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "second")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)
	require.Equal(t, "queue_backlog", res.Code)

	got := <-direct
	require.NoError(t, got.err)
	assert.Equal(t, StatusQueued, got.res.Status)
	assert.Equal(t, governor.CodeRetryAfterError, got.res.Code)

	// The failed message was submitted first; it keeps its place ahead of
	// the backlog accepted during its flight.
	jobs := f.sched.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "first", jobs[0].Text)
	assert.Equal(t, "second", jobs[1].Text)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestSubmit_SessionUnusableIsAnError(t *testing.T) {
	f := newFixture(t, 10)
	f.dir.setErr(gwerrors.ErrSessionInactive)

	_, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	assert.ErrorIs(t, err, gwerrors.ErrSessionInactive)
	assert.Zero(t, f.sched.Depth())
}

func TestAttempt_DeadLetterAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 2)
	f.handle.SendErr = errors.New("stream reset")

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	// Drive the second (and final) attempt by hand: clear the failure
	// cooldown and fire the retry for the head job.
	f.gov.Cooldowns.Clear(governor.ContactCooldownKey("acct1", "r1"))
	f.sched.attempt(queueKey("acct1", "r1"), res.JobID)

	assert.Equal(t, 1, f.dead.count())
	assert.Zero(t, f.sched.Depth())

	dl := f.dead.saved[0]
	assert.Equal(t, "acct1", dl.SessionID)
	assert.Equal(t, "r1", dl.Recipient)
	assert.Equal(t, "hello", dl.Body)
	assert.Equal(t, 2, dl.Attempts)
}

func TestAttempt_OfflineSessionReschedules(t *testing.T) {
	f := newFixture(t, 10)
	f.gov.Cooldowns.Set(governor.ContactCooldownKey("acct1", "r1"), 20*time.Millisecond, "test_hold", time.Now())
	f.dir.setErr(gwerrors.ErrSessionInactive)

	res, err := f.sched.Submit(context.Background(), "acct1", "r1", "hello")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)

	// While the session is down the job stays queued.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.sched.Depth())

	// Once it comes back, the offline retry delivers it.
	f.dir.setErr(nil)
	require.Eventually(t, func() bool {
		return len(f.handle.Sends()) == 1 && f.sched.Depth() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPurgeSession(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.enqueue("acct1", "r1", "one", time.Hour, "test_hold")
	f.sched.enqueue("acct1", "r2", "two", time.Hour, "test_hold")
	f.sched.enqueue("acct2", "r1", "three", time.Hour, "test_hold")

	f.sched.PurgeSession("acct1")

	jobs := f.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "acct2", jobs[0].SessionID)
}

func TestExecutor_TypingBurst(t *testing.T) {
	f := newFixture(t, 10)
	exec := f.sched.executor

	exec.TypingBurst(context.Background(), "acct1", "r1", 0)

	presences := f.handle.Presences()
	require.Len(t, presences, 2)
	assert.Equal(t, transport.PresenceComposing, presences[0].Presence)
	assert.Equal(t, transport.PresencePaused, presences[1].Presence)
}
