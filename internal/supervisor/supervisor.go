// Package supervisor owns the set of live sessions. It serializes all
// execution for one session onto a single lane while letting different
// sessions progress in parallel under a global concurrency ceiling, and
// it fans inbound events out to the right lane.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"convoflow/engine/internal/engine"
	"convoflow/engine/internal/logging"
	"convoflow/engine/internal/payment"
	"convoflow/engine/internal/repository"
	"convoflow/engine/pkg/models"
)

// Config tunes the supervisor.
type Config struct {
	// MaxConcurrentSessions bounds how many sessions execute a step at
	// the same instant.
	MaxConcurrentSessions int
	// LaneBuffer is the per-session event queue depth.
	LaneBuffer int
	// SweepInterval is how often pending payment intents are checked for
	// expiry.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 64
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 16
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

type eventKind int

const (
	evStep eventKind = iota
	evResume
	evCancel
)

type event struct {
	kind    eventKind
	outcome string
	vars    map[string]string
	// wait is the suspension condition a resume satisfies; the engine
	// drops resumes whose condition no longer matches the session's, so
	// an inbound text cannot resume a payment wait and a stale timer
	// cannot fire into a re-suspended session.
	wait string
}

type lane struct {
	sessionID string
	events    chan event
}

// Supervisor routes external triggers into serialized per-session
// execution.
type Supervisor struct {
	engine   *engine.Engine
	payments *payment.Service
	store    repository.SessionStore
	cfg      Config
	logger   *logging.Logger

	sem  chan struct{}
	done chan struct{}

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a new Supervisor.
func New(eng *engine.Engine, payments *payment.Service, store repository.SessionStore, cfg Config, logger *logging.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		engine:   eng,
		payments: payments,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrentSessions),
		done:     make(chan struct{}),
		lanes:    make(map[string]*lane),
	}
}

// Start recovers supervision of persisted sessions and begins the
// payment expiry sweep. The durable store is the source of truth: after
// a restart every running session is re-stepped and every suspended
// session has its deadline re-armed.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	sessions, err := s.store.ListSessionsByStatus(ctx, models.SessionRunning, models.SessionSuspended)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		switch sess.Status {
		case models.SessionRunning:
			s.enqueue(sess.ID, event{kind: evStep})
		case models.SessionSuspended:
			if sess.Deadline != nil {
				s.armDeadline(sess.ID, sess.WaitCondition, *sess.Deadline)
			}
		}
	}
	s.logger.Info("supervision recovered", "sessions", len(sessions))

	s.wg.Add(1)
	go s.sweepLoop(ctx)
	return nil
}

// Stop drains the lanes and waits for in-flight work.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}

// StartContact creates a session for a new inbound or outbound contact
// and schedules its first step.
func (s *Supervisor) StartContact(ctx context.Context, accountID, workflowID string, channel models.Channel, address string, vars map[string]string) (string, error) {
	sess, err := s.engine.StartSession(ctx, accountID, workflowID, channel, address, vars)
	if err != nil {
		return "", err
	}
	s.enqueue(sess.ID, event{kind: evStep})
	return sess.ID, nil
}

// DeliverMessage routes an inbound channel message to its session,
// resuming a session waiting on the next utterance.
func (s *Supervisor) DeliverMessage(sessionID, body string) {
	s.enqueue(sessionID, event{
		kind:    evResume,
		outcome: "reply",
		wait:    models.WaitMessage,
		vars:    map[string]string{"last_user_message": body},
	})
}

// DeliverNotification matches an inbound payment notification against
// the account's open intents and, on a confident match, resumes the
// owning session with outcome confirmed. Matching runs on the caller's
// goroutine; only the resume is serialized onto the session lane.
func (s *Supervisor) DeliverNotification(ctx context.Context, accountID, rawText, sender string) error {
	resolution, err := s.payments.MatchNotification(ctx, accountID, rawText)
	if err != nil {
		return err
	}
	if resolution == nil {
		s.logger.Debug("notification did not confirm any intent",
			"account_id", accountID,
			"sender", sender,
		)
		return nil
	}
	s.enqueue(resolution.SessionID, event{
		kind:    evResume,
		outcome: resolution.Outcome,
		wait:    models.PaymentWait(resolution.Intent.ID),
	})
	return nil
}

// CancelSession terminates a session externally.
func (s *Supervisor) CancelSession(sessionID string) {
	s.enqueue(sessionID, event{kind: evCancel})
}

// Sweep expires overdue payment intents and resumes their sessions with
// outcome expired. Exposed for the one-shot CLI; Start also runs it
// periodically.
func (s *Supervisor) Sweep(ctx context.Context) error {
	resolutions, err := s.payments.SweepExpired(ctx)
	if err != nil {
		return err
	}
	for _, r := range resolutions {
		s.enqueue(r.SessionID, event{
			kind:    evResume,
			outcome: r.Outcome,
			wait:    models.PaymentWait(r.Intent.ID),
		})
	}
	return nil
}

func (s *Supervisor) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("payment sweep failed", "error", err)
			}
		}
	}
}

// enqueue places an event on the session's lane, creating the lane on
// first use. Events for one session apply strictly in arrival order. The
// send happens outside the supervisor lock so a full lane only blocks
// its own caller, never enqueues for other sessions.
func (s *Supervisor) enqueue(sessionID string, ev event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	l, ok := s.lanes[sessionID]
	if !ok {
		l = &lane{sessionID: sessionID, events: make(chan event, s.cfg.LaneBuffer)}
		s.lanes[sessionID] = l
		s.wg.Add(1)
		go s.runLane(l)
	}
	s.mu.Unlock()

	select {
	case l.events <- ev:
	case <-s.done:
	}
}

// runLane applies one session's events strictly in arrival order. The
// lane retires itself when the session reaches a terminal status; a late
// event spins up a fresh lane and is dropped by the engine's state
// checks.
func (s *Supervisor) runLane(l *lane) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-l.events:
			if s.handle(l.sessionID, ev) {
				s.removeLane(l)
				return
			}
		case <-s.done:
			s.drainLane(l)
			return
		}
	}
}

// drainLane applies whatever was already queued when Stop fired, so a
// one-shot sweep's resumes are not lost.
func (s *Supervisor) drainLane(l *lane) {
	for {
		select {
		case ev := <-l.events:
			s.handle(l.sessionID, ev)
		default:
			return
		}
	}
}

func (s *Supervisor) removeLane(l *lane) {
	s.mu.Lock()
	if s.lanes[l.sessionID] == l {
		delete(s.lanes, l.sessionID)
	}
	s.mu.Unlock()
	// Anything still buffered targets a terminal session and would be
	// dropped anyway; unblock any sender parked on it.
	for {
		select {
		case <-l.events:
		default:
			return
		}
	}
}

// handle applies one event and reports whether the session reached a
// terminal status. The semaphore is held per engine call, not for the
// whole chain, so one long-running session cannot starve the others of
// execution slots.
func (s *Supervisor) handle(sessionID string, ev event) bool {
	ctx := context.Background()
	switch ev.kind {
	case evStep:
		return s.runSteps(ctx, sessionID)
	case evResume:
		res, err := s.resume(ctx, sessionID, ev.wait, ev.outcome, ev.vars)
		if err != nil {
			s.logEventError(sessionID, err)
			return false
		}
		if res.Status == models.SessionRunning {
			return s.runSteps(ctx, sessionID)
		}
		return res.Status.Terminal()
	case evCancel:
		s.sem <- struct{}{}
		err := s.engine.Cancel(ctx, sessionID)
		<-s.sem
		if err != nil {
			s.logEventError(sessionID, err)
			return false
		}
		return true
	}
	return false
}

func (s *Supervisor) resume(ctx context.Context, sessionID, wait, outcome string, vars map[string]string) (*engine.StepResult, error) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	return s.engine.Resume(ctx, sessionID, wait, outcome, vars)
}

// runSteps advances the session until it suspends, terminates, or fails,
// and reports whether it ended terminal.
func (s *Supervisor) runSteps(ctx context.Context, sessionID string) bool {
	for {
		s.sem <- struct{}{}
		res, err := s.engine.Step(ctx, sessionID)
		<-s.sem
		if err != nil {
			s.logEventError(sessionID, err)
			return false
		}
		switch res.Status {
		case models.SessionRunning:
			continue
		case models.SessionSuspended:
			if res.Deadline != nil {
				s.armDeadline(sessionID, res.WaitCondition, *res.Deadline)
			}
			return false
		default:
			return true
		}
	}
}

// armDeadline schedules a proactive timeout resume so a suspended
// session cannot hang past its handler-specified deadline. The timer
// carries the condition it was armed against; the engine drops it if the
// session has since moved on.
func (s *Supervisor) armDeadline(sessionID, waitCondition string, deadline time.Time) {
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		s.enqueue(sessionID, event{kind: evResume, outcome: models.OutcomeTimeout, wait: waitCondition})
	})
}

func (s *Supervisor) logEventError(sessionID string, err error) {
	// Races between events and terminal transitions, and events that no
	// longer match the session's wait, are expected; they are not faults.
	if errors.Is(err, engine.ErrSessionNotRunning) ||
		errors.Is(err, engine.ErrSessionNotSuspended) ||
		errors.Is(err, engine.ErrEventMismatch) {
		s.logger.Debug("event dropped", "session_id", sessionID, "reason", err)
		return
	}
	s.logger.Error("event handling failed", "session_id", sessionID, "error", err)
}
