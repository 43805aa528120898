// Package outbox holds the per-(session, recipient) FIFO queues of deferred
// sends. Only the head job of a queue is ever dispatched; stale timers for
// dequeued jobs are inert.
package outbox

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	gwerrors "github.com/p-blackswan/chat-gateway/internal/errors"
	"github.com/p-blackswan/chat-gateway/internal/governor"
	"github.com/p-blackswan/chat-gateway/internal/metrics"
	"github.com/p-blackswan/chat-gateway/internal/store"
	"github.com/p-blackswan/chat-gateway/internal/transport"
)

// Typing bursts are scheduled to land shortly before a retry fires.
const (
	burstLeadLong  = 7 * time.Second
	burstLeadShort = 2 * time.Second
	burstMin       = 900 * time.Millisecond
	burstMax       = 3500 * time.Millisecond
)

// DeadLetterSink receives jobs that exhausted their retry budget.
type DeadLetterSink interface {
	SaveDeadLetter(dl *store.DeadLetter) error
}

// Job is one queued outbound message.
type Job struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	NotBefore time.Time `json:"notBefore"`
}

// Status classifies a Submit result.
type Status int

const (
	StatusSent Status = iota
	StatusQueued
	StatusRejected
)

// Result is the synchronous answer to a send request.
type Result struct {
	Status  Status
	Code    string
	RetryIn time.Duration
	JobID   string
	Receipt *transport.Receipt
}

// queue is the FIFO for one (session, recipient) pair.
type queue struct {
	key         string
	sessionID   string
	recipient   string
	jobs        []*Job
	inflight    bool
	retryTimer  *time.Timer
	burstTimers []*time.Timer
}

// Scheduler owns all outbox queues and their retry timers.
type Scheduler struct {
	governor *governor.Governor
	executor *Executor
	dead     DeadLetterSink
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// MaxAttempts bounds transport send attempts per job before it is
	// dead-lettered. Governance deferrals do not count against it.
	MaxAttempts int

	// NextHeadDelay spaces out dispatch of the next job after the head
	// completes. OfflineRetryDelay is used when the session has no live
	// handle at attempt time.
	NextHeadDelay     time.Duration
	OfflineRetryDelay time.Duration

	mu     sync.Mutex
	queues map[string]*queue

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(gov *governor.Governor, exec *Executor, dead DeadLetterSink, maxAttempts int, met *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		governor:          gov,
		executor:          exec,
		dead:              dead,
		metrics:           met,
		logger:            logger.With().Str("component", "outbox").Logger(),
		MaxAttempts:       maxAttempts,
		NextHeadDelay:     time.Second,
		OfflineRetryDelay: 15 * time.Second,
		queues:            make(map[string]*queue),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Submit runs governance for a candidate message and either sends it
// immediately, queues it with a retry estimate, or rejects it. A transport
// failure on the direct path queues the message for retry instead of
// surfacing an error; only an unusable session is returned as an error.
func (s *Scheduler) Submit(ctx context.Context, sessionID, recipient, text string) (Result, error) {
	// An unknown session must not accrue governance state: no bucket tokens,
	// no daily count. Inactive sessions still evaluate — deferred jobs queue
	// and deliver once the session is back.
	if _, err := s.executor.sessions.HandleFor(sessionID); errors.Is(err, gwerrors.ErrSessionNotFound) {
		return Result{}, err
	}

	now := time.Now()
	d := s.governor.Evaluate(sessionID, recipient, text, now)
	s.metrics.RecordDecision(outcomeLabel(d.Outcome), d.Code)

	switch d.Outcome {
	case governor.Reject:
		return Result{Status: StatusRejected, Code: d.Code, RetryIn: d.Delay}, nil
	case governor.Defer:
		job := s.enqueue(sessionID, recipient, text, d.Delay, d.Code)
		return Result{Status: StatusQueued, Code: d.Code, RetryIn: d.Delay, JobID: job.ID}, nil
	}

	// Admitted. A non-empty or busy queue keeps FIFO order: the new message
	// falls in behind instead of overtaking.
	key := queueKey(sessionID, recipient)
	s.mu.Lock()
	if q, ok := s.queues[key]; ok && (len(q.jobs) > 0 || q.inflight) {
		job := s.enqueueLocked(q, text, s.NextHeadDelay, "queue_backlog")
		s.mu.Unlock()
		return Result{Status: StatusQueued, Code: "queue_backlog", RetryIn: s.NextHeadDelay, JobID: job.ID}, nil
	}
	q := s.queueLocked(key, sessionID, recipient)
	q.inflight = true
	s.mu.Unlock()

	rcpt, err := s.executor.Send(ctx, sessionID, recipient, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	q.inflight = false

	if err == nil {
		s.governor.OnSendSuccess(sessionID, recipient, text, time.Now())
		s.armHeadLocked(q)
		return Result{Status: StatusSent, Receipt: rcpt}, nil
	}

	if errors.Is(err, gwerrors.ErrSessionNotFound) || errors.Is(err, gwerrors.ErrSessionInactive) {
		s.armHeadLocked(q)
		return Result{}, err
	}

	// The failed message was submitted before anything accepted as backlog
	// during its flight, so it retries from the queue head.
	delay := s.governor.OnSendFailure(sessionID, recipient, err, time.Now())
	job := s.enqueueHeadLocked(q, text, delay, governor.CodeRetryAfterError)
	job.Attempts = 1
	s.logger.Warn().Err(err).Str("session", sessionID).Str("recipient", recipient).
		Str("job", job.ID).Msg("direct send failed, queued for retry")
	return Result{Status: StatusQueued, Code: governor.CodeRetryAfterError, RetryIn: delay, JobID: job.ID}, nil
}

// armHeadLocked schedules the queue head after an in-flight direct send
// completes; jobs enqueued during the flight have no timer yet.
func (s *Scheduler) armHeadLocked(q *queue) {
	if len(q.jobs) > 0 && !q.inflight {
		s.armRetryLocked(q, q.jobs[0], s.NextHeadDelay, true)
	}
}

// Jobs returns a snapshot of every queued job, ordered by session then
// recipient then queue position.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.queues))
	for k := range s.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Job
	for _, k := range keys {
		for _, j := range s.queues[k].jobs {
			out = append(out, *j)
		}
	}
	return out
}

// Depth returns the number of queued jobs.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked()
}

// PurgeSession drops all queues and timers belonging to a session.
func (s *Scheduler) PurgeSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, q := range s.queues {
		if q.sessionID != sessionID {
			continue
		}
		q.stopTimersLocked()
		delete(s.queues, key)
	}
	s.metrics.SetOutboxDepth(float64(s.depthLocked()))
}

// Close stops all timers. Queued jobs are abandoned.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, q := range s.queues {
		q.stopTimersLocked()
		delete(s.queues, key)
	}
}

func (s *Scheduler) enqueue(sessionID, recipient, text string, delay time.Duration, reason string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(queueKey(sessionID, recipient), sessionID, recipient)
	return s.enqueueLocked(q, text, delay, reason)
}

func (s *Scheduler) enqueueLocked(q *queue, text string, delay time.Duration, reason string) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		SessionID: q.sessionID,
		Recipient: q.recipient,
		Text:      text,
		Reason:    reason,
		CreatedAt: time.Now(),
		NotBefore: time.Now().Add(delay),
	}
	q.jobs = append(q.jobs, job)
	if len(q.jobs) == 1 && !q.inflight {
		s.armRetryLocked(q, job, delay, true)
	}
	s.metrics.SetOutboxDepth(float64(s.depthLocked()))
	return job
}

// enqueueHeadLocked puts a job at the front of the queue, ahead of any
// backlog accepted while a direct send was in flight, and re-arms the head
// timer for it.
func (s *Scheduler) enqueueHeadLocked(q *queue, text string, delay time.Duration, reason string) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		SessionID: q.sessionID,
		Recipient: q.recipient,
		Text:      text,
		Reason:    reason,
		CreatedAt: time.Now(),
		NotBefore: time.Now().Add(delay),
	}
	q.jobs = append([]*Job{job}, q.jobs...)
	s.armRetryLocked(q, job, delay, true)
	s.metrics.SetOutboxDepth(float64(s.depthLocked()))
	return job
}

// attempt is the retry-timer entry point for one job. The head-ID check
// makes timers for dequeued jobs no-ops and guarantees at most one in-flight
// attempt per queue.
func (s *Scheduler) attempt(key, jobID string) {
	s.mu.Lock()
	q := s.queues[key]
	if q == nil || len(q.jobs) == 0 || q.jobs[0].ID != jobID {
		s.mu.Unlock()
		return
	}
	job := q.jobs[0]
	if q.inflight {
		s.armRetryLocked(q, job, s.NextHeadDelay, false)
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if delay, reason := s.governor.Recheck(job.SessionID, job.Recipient, now); delay > 0 {
		job.Reason = reason
		s.armRetryLocked(q, job, delay, true)
		s.mu.Unlock()
		return
	}
	if _, err := s.executor.sessions.HandleFor(job.SessionID); err != nil {
		job.Reason = "session_offline"
		s.armRetryLocked(q, job, s.OfflineRetryDelay, false)
		s.mu.Unlock()
		return
	}

	q.inflight = true
	job.Attempts++
	s.mu.Unlock()

	rcpt, err := s.executor.Send(s.ctx, job.SessionID, job.Recipient, job.Text)

	s.mu.Lock()
	defer s.mu.Unlock()
	q.inflight = false

	if err == nil {
		s.governor.OnSendSuccess(job.SessionID, job.Recipient, job.Text, time.Now())
		s.logger.Info().Str("session", job.SessionID).Str("recipient", job.Recipient).
			Str("job", job.ID).Int("attempts", job.Attempts).
			Str("message_id", rcpt.MessageID).Msg("queued message delivered")
		s.dispatchNextLocked(q)
		s.metrics.SetOutboxDepth(float64(s.depthLocked()))
		return
	}

	delay := s.governor.OnSendFailure(job.SessionID, job.Recipient, err, time.Now())
	if job.Attempts >= s.MaxAttempts {
		s.deadLetterLocked(q, job, err)
		s.dispatchNextLocked(q)
		s.metrics.SetOutboxDepth(float64(s.depthLocked()))
		return
	}
	job.Reason = governor.CodeRetryAfterError
	s.logger.Warn().Err(err).Str("session", job.SessionID).Str("recipient", job.Recipient).
		Str("job", job.ID).Int("attempts", job.Attempts).Dur("delay", delay).Msg("send failed, retry scheduled")
	s.armRetryLocked(q, job, delay, true)
}

// dispatchNextLocked pops the head and arms the next job, if any.
func (s *Scheduler) dispatchNextLocked(q *queue) {
	q.stopTimersLocked()
	if len(q.jobs) > 0 {
		q.jobs = q.jobs[1:]
	}
	if len(q.jobs) > 0 {
		s.armRetryLocked(q, q.jobs[0], s.NextHeadDelay, true)
	}
}

func (s *Scheduler) deadLetterLocked(q *queue, job *Job, sendErr error) {
	dl := &store.DeadLetter{
		ID:        job.ID,
		SessionID: job.SessionID,
		Recipient: job.Recipient,
		Body:      job.Text,
		Error:     sendErr.Error(),
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt.UnixMilli(),
	}
	if err := s.dead.SaveDeadLetter(dl); err != nil {
		s.logger.Error().Err(err).Str("job", job.ID).Msg("dead-letter write failed")
	}
	s.metrics.RecordDeadLetter()
	s.logger.Error().Str("session", job.SessionID).Str("recipient", job.Recipient).
		Str("job", job.ID).Int("attempts", job.Attempts).Msg("job dead-lettered")
}

// armRetryLocked schedules the next attempt for the queue head and, when
// the delay leaves room, typing bursts timed to land before it.
func (s *Scheduler) armRetryLocked(q *queue, job *Job, delay time.Duration, bursts bool) {
	job.NotBefore = time.Now().Add(delay)
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	key, jobID := q.key, job.ID
	q.retryTimer = time.AfterFunc(delay, func() { s.attempt(key, jobID) })

	for _, t := range q.burstTimers {
		t.Stop()
	}
	q.burstTimers = q.burstTimers[:0]
	if !bursts {
		return
	}
	sessionID, recipient := q.sessionID, q.recipient
	for _, lead := range []time.Duration{burstLeadLong, burstLeadShort} {
		if delay <= lead {
			continue
		}
		q.burstTimers = append(q.burstTimers, time.AfterFunc(delay-lead, func() {
			s.executor.TypingBurst(s.ctx, sessionID, recipient, burstDuration())
		}))
	}
}

func (s *Scheduler) queueLocked(key, sessionID, recipient string) *queue {
	q, ok := s.queues[key]
	if !ok {
		q = &queue{key: key, sessionID: sessionID, recipient: recipient}
		s.queues[key] = q
	}
	return q
}

func (s *Scheduler) depthLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q.jobs)
	}
	return n
}

func (q *queue) stopTimersLocked() {
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	for _, t := range q.burstTimers {
		t.Stop()
	}
	q.burstTimers = nil
}

func queueKey(sessionID, recipient string) string { return sessionID + "|" + recipient }

func burstDuration() time.Duration {
	return burstMin + time.Duration(rand.Float64()*float64(burstMax-burstMin))
}

func outcomeLabel(o governor.Outcome) string {
	switch o {
	case governor.Admit:
		return "admit"
	case governor.Defer:
		return "defer"
	default:
		return "reject"
	}
}
