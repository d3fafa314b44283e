package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"convoflow/engine/internal/clients"
	"convoflow/engine/internal/logging"
	"convoflow/engine/internal/quota"
	"convoflow/engine/internal/repository"
	"convoflow/engine/internal/telemetry"
	"convoflow/engine/pkg/models"
)

// Config tunes the engine's retry and charging behaviour.
type Config struct {
	// MaxRetries bounds retries of transient handler failures.
	MaxRetries     uint64
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// AIMinuteEstimate is the quota charge taken before invoking the AI
	// collaborator, an up-front estimate of processing time.
	AIMinuteEstimate int64
	// ReplyTimeout is how long an ai_response node with await_reply waits
	// for the next utterance before resuming with timeout.
	ReplyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.AIMinuteEstimate <= 0 {
		c.AIMinuteEstimate = 1
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 5 * time.Minute
	}
	return c
}

// Engine owns session state. It is the only component that writes
// sessions; handlers express mutation declaratively through their
// results.
type Engine struct {
	store    repository.Repository
	ledger   *quota.Ledger
	accounts clients.AccountDirectory
	handlers HandlerMap
	cfg      Config
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	// workflow versions are immutable, so cache them per process.
	wfMu    sync.RWMutex
	wfCache map[string]*models.Workflow
}

// New creates a new Engine with an explicit handler map.
func New(store repository.Repository, ledger *quota.Ledger, accounts clients.AccountDirectory, handlers HandlerMap, cfg Config, logger *logging.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:    store,
		ledger:   ledger,
		accounts: accounts,
		handlers: handlers,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		wfCache:  make(map[string]*models.Workflow),
	}
}

// WithClock overrides the engine clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// StartSession creates a running session positioned at the workflow's
// entry node.
func (e *Engine) StartSession(ctx context.Context, accountID, workflowID string, channel models.Channel, address string, vars map[string]string) (*models.Session, error) {
	wf, err := e.workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	entry, ok := wf.EntryNode()
	if !ok {
		return nil, fmt.Errorf("workflow %s has no entry node", workflowID)
	}

	if vars == nil {
		vars = make(map[string]string)
	}
	now := e.now()
	sess := &models.Session{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		WorkflowID:     workflowID,
		Channel:        channel,
		Address:        address,
		CurrentNodeID:  entry.ID,
		Vars:           vars,
		Status:         models.SessionRunning,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	e.logger.Info("session started",
		"session_id", sess.ID,
		"account_id", accountID,
		"workflow_id", workflowID,
		"channel", channel,
	)
	return sess, nil
}

// Step executes the session's current node and applies the result: one
// history entry, merged variables, and the next node resolved from the
// reported outcome. The caller (the supervisor) keeps stepping while the
// session stays running.
func (e *Engine) Step(ctx context.Context, sessionID string) (*StepResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionRunning {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotRunning, sessionID, sess.Status)
	}

	wf, err := e.workflow(ctx, sess.WorkflowID)
	if err != nil {
		return nil, err
	}
	node, ok := wf.NodeByID(sess.CurrentNodeID)
	if !ok {
		return e.failSession(ctx, sess, sess.CurrentNodeID, nil,
			Permanent("current node %q not in workflow %s", sess.CurrentNodeID, wf.ID))
	}
	handler, ok := e.handlers[node.Kind]
	if !ok {
		return e.failSession(ctx, sess, node.ID, node.Config,
			Permanent("no handler registered for kind %q", node.Kind))
	}

	now := e.now()
	tier, err := e.accounts.TierFor(ctx, sess.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier for account %s: %w", sess.AccountID, err)
	}
	qc := QuotaContext{Tier: tier, Now: now}

	if dim, amount, chargeable := e.chargeFor(node.Kind); chargeable {
		allowed, _, err := e.ledger.Allow(ctx, sess.AccountID, dim, amount, tier, now)
		if err != nil {
			return nil, fmt.Errorf("quota check failed: %w", err)
		}
		if !allowed {
			e.metrics.RecordQuotaDenied(ctx, string(dim))
			e.logger.Info("step short-circuited by quota",
				"session_id", sess.ID,
				"node_id", node.ID,
				"dimension", dim,
			)
			return e.apply(ctx, sess, wf, node, &InvocationResult{
				Outcome:    models.OutcomeQuotaExceeded,
				SideEffect: fmt.Sprintf("daily %s quota exhausted", dim),
			})
		}
	}

	res, err := e.invoke(ctx, handler, sess.Snapshot(), node, qc)
	if err != nil {
		if clients.IsTransient(err) {
			// Retries exhausted; surface as a routable outcome.
			res = &InvocationResult{Outcome: models.OutcomeFailed, SideEffect: err.Error()}
		} else {
			return e.failSession(ctx, sess, node.ID, node.Config, err)
		}
	}

	if node.Kind == models.NodeTerminate {
		sess.Status = models.SessionCompleted
		sess.WaitCondition = ""
		sess.Deadline = nil
		sess.LastActivityAt = e.now()
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
		e.metrics.RecordStep(ctx, string(node.Kind), models.OutcomeCompleted)
		return &StepResult{
			SessionID: sess.ID,
			Status:    models.SessionCompleted,
			Outcome:   models.OutcomeCompleted,
			NodeID:    node.ID,
		}, nil
	}

	return e.apply(ctx, sess, wf, node, res)
}

// Resume applies an externally determined outcome to a suspended session
// and routes from the waiting node. wait names the condition the event
// satisfies; an event for a different condition than the session
// suspended on leaves it parked, so a stray utterance cannot resume a
// payment wait. Events for already terminal sessions are ignored.
func (e *Engine) Resume(ctx context.Context, sessionID, wait, outcome string, vars map[string]string) (*StepResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return &StepResult{SessionID: sess.ID, Status: sess.Status, NodeID: sess.CurrentNodeID}, nil
	}
	if sess.Status != models.SessionSuspended {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotSuspended, sessionID, sess.Status)
	}
	if wait != sess.WaitCondition {
		return nil, fmt.Errorf("%w: session %s awaits %q, event satisfies %q",
			ErrEventMismatch, sessionID, sess.WaitCondition, wait)
	}

	wf, err := e.workflow(ctx, sess.WorkflowID)
	if err != nil {
		return nil, err
	}
	node, ok := wf.NodeByID(sess.CurrentNodeID)
	if !ok {
		return e.failSession(ctx, sess, sess.CurrentNodeID, nil,
			Permanent("current node %q not in workflow %s", sess.CurrentNodeID, wf.ID))
	}

	sess.Status = models.SessionRunning
	sess.WaitCondition = ""
	sess.Deadline = nil
	return e.apply(ctx, sess, wf, node, &InvocationResult{
		Outcome:         outcome,
		VariableUpdates: vars,
		SideEffect:      "resumed by external event",
	})
}

// Cancel terminates a session externally, for instance when the contact
// disconnects. A pending payment intent is deliberately left open until
// its own expiry: the contact may still complete the transfer
// out-of-band.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	now := e.now()
	sess.History = append(sess.History, models.HistoryEntry{
		NodeID:  sess.CurrentNodeID,
		Outcome: string(models.SessionCancelled),
		Detail:  "session cancelled externally",
		At:      now,
	})
	sess.Status = models.SessionCancelled
	sess.WaitCondition = ""
	sess.Deadline = nil
	sess.LastActivityAt = now
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	e.logger.Info("session cancelled", "session_id", sess.ID)
	return nil
}

// invoke runs the handler, retrying transient collaborator failures with
// bounded exponential backoff. Permanent failures short-circuit.
func (e *Engine) invoke(ctx context.Context, handler Handler, snapshot models.Session, node *models.Node, qc QuotaContext) (*InvocationResult, error) {
	var res *InvocationResult
	operation := func() error {
		r, err := handler.Execute(ctx, snapshot, node.Config, qc)
		if err != nil {
			if clients.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if r == nil {
			return backoff.Permanent(Permanent("handler for %q returned no result", node.Kind))
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffInitial
	bo.MaxInterval = e.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, e.cfg.MaxRetries), ctx))
	return res, err
}

// apply records the step and resolves the session's next position.
func (e *Engine) apply(ctx context.Context, sess *models.Session, wf *models.Workflow, node *models.Node, res *InvocationResult) (*StepResult, error) {
	now := e.now()
	sess.History = append(sess.History, models.HistoryEntry{
		NodeID:  node.ID,
		Outcome: res.Outcome,
		Detail:  res.SideEffect,
		At:      now,
	})
	if len(res.VariableUpdates) > 0 && sess.Vars == nil {
		sess.Vars = make(map[string]string, len(res.VariableUpdates))
	}
	for k, v := range res.VariableUpdates {
		sess.Vars[k] = v
	}
	sess.LastActivityAt = now

	if res.Suspend {
		sess.Status = models.SessionSuspended
		sess.WaitCondition = res.WaitCondition
		sess.Deadline = res.Deadline
	} else if target, ok := routeNext(wf, node.ID, res.Outcome); ok {
		sess.CurrentNodeID = target
		sess.Status = models.SessionRunning
	} else if res.Outcome == models.OutcomeExpired {
		// An expiry with no authored route ends the session as expired,
		// not completed.
		sess.Status = models.SessionExpired
	} else {
		sess.Status = models.SessionCompleted
	}

	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	e.metrics.RecordStep(ctx, string(node.Kind), res.Outcome)
	e.logger.Debug("step applied",
		"session_id", sess.ID,
		"node_id", node.ID,
		"outcome", res.Outcome,
		"status", sess.Status,
	)
	return &StepResult{
		SessionID:     sess.ID,
		Status:        sess.Status,
		Outcome:       res.Outcome,
		NodeID:        sess.CurrentNodeID,
		WaitCondition: sess.WaitCondition,
		Deadline:      sess.Deadline,
	}, nil
}

// failSession moves the session to failed after an unrecoverable handler
// error, with the node's config snapshot in the log for diagnosis.
func (e *Engine) failSession(ctx context.Context, sess *models.Session, nodeID string, config map[string]string, cause error) (*StepResult, error) {
	now := e.now()
	kind := "handler_error"
	if IsPermanent(cause) {
		kind = "permanent_error"
	}
	sess.History = append(sess.History, models.HistoryEntry{
		NodeID:  nodeID,
		Outcome: models.OutcomeFailed,
		Detail:  kind + ": " + cause.Error(),
		At:      now,
	})
	sess.Status = models.SessionFailed
	sess.WaitCondition = ""
	sess.Deadline = nil
	sess.LastActivityAt = now
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	e.logger.Error("session failed",
		"session_id", sess.ID,
		"node_id", nodeID,
		"config", fmt.Sprintf("%v", config),
		"error", cause,
	)
	return &StepResult{
		SessionID: sess.ID,
		Status:    models.SessionFailed,
		Outcome:   models.OutcomeFailed,
		NodeID:    nodeID,
	}, nil
}

// routeNext follows the edge whose guard matches the outcome, falling
// back to the default edge. No match means the path ends here.
func routeNext(wf *models.Workflow, nodeID, outcome string) (string, bool) {
	edges := wf.EdgesFrom(nodeID)
	for _, edge := range edges {
		if edge.Outcome == outcome {
			return edge.To, true
		}
	}
	for _, edge := range edges {
		if edge.Outcome == models.OutcomeDefault || edge.Outcome == "" {
			return edge.To, true
		}
	}
	return "", false
}

func (e *Engine) chargeFor(kind models.NodeKind) (models.QuotaDimension, int64, bool) {
	switch kind {
	case models.NodeAIResponse:
		return models.QuotaAIMinutes, e.cfg.AIMinuteEstimate, true
	case models.NodeSendMessage, models.NodeChannelRelay, models.NodePaymentRitual:
		return models.QuotaMessages, 1, true
	}
	return "", 0, false
}

func (e *Engine) workflow(ctx context.Context, id string) (*models.Workflow, error) {
	e.wfMu.RLock()
	wf, ok := e.wfCache[id]
	e.wfMu.RUnlock()
	if ok {
		return wf, nil
	}
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	e.wfMu.Lock()
	e.wfCache[id] = wf
	e.wfMu.Unlock()
	return wf, nil
}
