package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"convoflow/engine/internal/clients"
	"convoflow/engine/internal/logging"
	"convoflow/engine/internal/quota"
	"convoflow/engine/internal/repository"
	"convoflow/engine/internal/telemetry"
	"convoflow/engine/pkg/models"
)

// staticDirectory resolves every account to the same tier.
type staticDirectory struct {
	tier *models.Tier
}

func (d *staticDirectory) TierFor(ctx context.Context, accountID string) (*models.Tier, error) {
	return d.tier, nil
}

// fakeMessenger records sends and can be programmed to fail.
type fakeMessenger struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	fails int // fail this many times, then succeed
}

func (m *fakeMessenger) Send(ctx context.Context, channel models.Channel, address, body, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return clients.Transient(errors.New("gateway unavailable"))
	}
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, body)
	return nil
}

func (m *fakeMessenger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// scriptHandler returns a canned result or error.
type scriptHandler struct {
	result *InvocationResult
	err    error
	calls  int
}

func (h *scriptHandler) Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	r := *h.result
	return &r, nil
}

func unlimitedTier() *models.Tier {
	return &models.Tier{
		Name:           "premium",
		PriceMinor:     4900,
		DailyAIMinutes: models.NoLimit(),
		DailyMessages:  models.NoLimit(),
	}
}

func newTestEngine(t *testing.T, store repository.Repository, handlers HandlerMap, tier *models.Tier) *Engine {
	t.Helper()
	metrics, err := telemetry.NewMetrics()
	assert.NoError(t, err)
	cfg := Config{
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
	return New(store, quota.NewLedger(store), &staticDirectory{tier: tier}, handlers, cfg, logging.NewNopLogger(), metrics)
}

// linearWorkflow is a two node graph: a send_message entry routed to a
// terminate node.
func linearWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:      "wf-linear",
		Name:    "linear",
		Version: 1,
		Nodes: []models.Node{
			{ID: "greet", Kind: models.NodeSendMessage, Entry: true, Config: map[string]string{"template": "hello {{name}}"}},
			{ID: "done", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{
			{From: "greet", To: "done", Outcome: models.OutcomeSent},
		},
	}
}

func TestStepRecordsOneHistoryEntryPerNode(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))

	messenger := &fakeMessenger{}
	handlers := HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: messenger},
		models.NodeTerminate:   &TerminateHandler{},
	}
	eng := newTestEngine(t, store, handlers, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", map[string]string{"name": "Ada"})
	assert.NoError(t, err)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Equal(t, "greet", sess.CurrentNodeID)

	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionRunning, res.Status)
	assert.Equal(t, models.OutcomeSent, res.Outcome)
	assert.Equal(t, []string{"hello Ada"}, messenger.sent)

	res, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)
	// Only the send node leaves a history entry; terminate closes the
	// session without one.
	assert.Len(t, final.History, 1)
	assert.Equal(t, "greet", final.History[0].NodeID)
	assert.Equal(t, models.OutcomeSent, final.History[0].Outcome)
}

func TestStepOnNonRunningSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	_, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	_, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)

	_, err = eng.Step(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotRunning)
}

func TestQuotaDenialShortCircuitsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	wf := &models.Workflow{
		ID:      "wf-quota",
		Name:    "quota",
		Version: 1,
		Nodes: []models.Node{
			{ID: "first", Kind: models.NodeSendMessage, Entry: true, Config: map[string]string{"template": "one"}},
			{ID: "second", Kind: models.NodeSendMessage, Config: map[string]string{"template": "two"}},
			{ID: "over", Kind: models.NodeTerminate},
			{ID: "done", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{
			{From: "first", To: "second", Outcome: models.OutcomeSent},
			{From: "second", To: "done", Outcome: models.OutcomeSent},
			{From: "second", To: "over", Outcome: models.OutcomeQuotaExceeded},
		},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))

	tier := &models.Tier{
		Name:           "basic",
		DailyAIMinutes: models.NoLimit(),
		DailyMessages:  models.LimitOf(1),
	}
	messenger := &fakeMessenger{}
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: messenger},
		models.NodeTerminate:   &TerminateHandler{},
	}, tier)

	sess, err := eng.StartSession(ctx, "acct-q", "wf-quota", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)

	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.OutcomeSent, res.Outcome)

	// Second send exceeds the daily message ceiling: the handler must
	// not run and the session routes along the quota_exceeded edge.
	res, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.OutcomeQuotaExceeded, res.Outcome)
	assert.Equal(t, "over", res.NodeID)
	assert.Equal(t, 1, messenger.sentCount())

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.OutcomeQuotaExceeded, final.History[1].Outcome)
}

func TestRouteNextFallsBackToDefaultEdge(t *testing.T) {
	wf := &models.Workflow{
		ID: "wf-route",
		Nodes: []models.Node{
			{ID: "a", Kind: models.NodeSendMessage, Entry: true},
			{ID: "b", Kind: models.NodeTerminate},
			{ID: "c", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{
			{From: "a", To: "b", Outcome: "special"},
			{From: "a", To: "c", Outcome: models.OutcomeDefault},
		},
	}

	target, ok := routeNext(wf, "a", "special")
	assert.True(t, ok)
	assert.Equal(t, "b", target)

	target, ok = routeNext(wf, "a", "anything_else")
	assert.True(t, ok)
	assert.Equal(t, "c", target)

	_, ok = routeNext(wf, "b", "whatever")
	assert.False(t, ok)
}

func TestStepWithoutMatchingEdgeCompletesSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	wf := &models.Workflow{
		ID: "wf-dangling",
		Nodes: []models.Node{
			{ID: "only", Kind: models.NodeSendMessage, Entry: true, Config: map[string]string{"template": "hi"}},
		},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-dangling", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))

	messenger := &fakeMessenger{fails: 2}
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: messenger},
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.OutcomeSent, res.Outcome)
	assert.Equal(t, 1, messenger.sentCount())
}

func TestTransientExhaustionBecomesRoutableFailure(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	wf := &models.Workflow{
		ID: "wf-fail",
		Nodes: []models.Node{
			{ID: "flaky", Kind: models.NodeSendMessage, Entry: true, Config: map[string]string{"template": "hi"}},
			{ID: "fallback", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{
			{From: "flaky", To: "fallback", Outcome: models.OutcomeFailed},
		},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))

	handler := &scriptHandler{err: clients.Transient(errors.New("gateway down"))}
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: handler,
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-fail", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, models.SessionRunning, res.Status)
	assert.Equal(t, "fallback", res.NodeID)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, 3, handler.calls)
}

func TestPermanentFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))

	handler := &scriptHandler{err: Permanent("template missing")}
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: handler,
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionFailed, res.Status)
	assert.Equal(t, 1, handler.calls)

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionFailed, final.Status)
	assert.Contains(t, final.History[0].Detail, "permanent_error")
}

func TestVariableUpdatesMergeIntoSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	wf := &models.Workflow{
		ID: "wf-vars",
		Nodes: []models.Node{
			{ID: "set", Kind: models.NodeSendMessage, Entry: true},
			{ID: "done", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{{From: "set", To: "done", Outcome: "ok"}},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))

	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &scriptHandler{result: &InvocationResult{
			Outcome:         "ok",
			VariableUpdates: map[string]string{"name": "updated", "extra": "1"},
		}},
		models.NodeTerminate: &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-vars", models.ChannelSMS, "+15550100", map[string]string{"name": "initial", "kept": "yes"})
	assert.NoError(t, err)
	_, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, "updated", final.Vars["name"])
	assert.Equal(t, "1", final.Vars["extra"])
	assert.Equal(t, "yes", final.Vars["kept"])
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	deadline := time.Now().Add(time.Hour)
	wf := &models.Workflow{
		ID: "wf-wait",
		Nodes: []models.Node{
			{ID: "ask", Kind: models.NodeAIResponse, Entry: true},
			{ID: "done", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{
			{From: "ask", To: "done", Outcome: "reply"},
		},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))

	eng := newTestEngine(t, store, HandlerMap{
		models.NodeAIResponse: &scriptHandler{result: &InvocationResult{
			Outcome:       models.OutcomeContinue,
			Suspend:       true,
			WaitCondition: "message",
			Deadline:      &deadline,
		}},
		models.NodeTerminate: &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-wait", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)

	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionSuspended, res.Status)
	assert.Equal(t, "message", res.WaitCondition)
	assert.NotNil(t, res.Deadline)

	// Stepping a suspended session is rejected.
	_, err = eng.Step(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotRunning)

	res, err = eng.Resume(ctx, sess.ID, "message", "reply", map[string]string{"last_user_message": "hi there"})
	assert.NoError(t, err)
	assert.Equal(t, models.SessionRunning, res.Status)
	assert.Equal(t, "done", res.NodeID)

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, "hi there", final.Vars["last_user_message"])
	assert.Empty(t, final.WaitCondition)
	assert.Nil(t, final.Deadline)
}

func TestResumeMismatchedWaitKeepsSessionSuspended(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	wf := &models.Workflow{
		ID: "wf-pay-wait",
		Nodes: []models.Node{
			{ID: "collect", Kind: models.NodePaymentRitual, Entry: true},
			{ID: "activate", Kind: models.NodeSendMessage, Config: map[string]string{"template": "active"}},
			{ID: "done", Kind: models.NodeTerminate},
		},
		Edges: []models.Edge{
			{From: "collect", To: "activate", Outcome: models.OutcomeConfirmed},
			{From: "activate", To: "done", Outcome: models.OutcomeSent},
		},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))

	eng := newTestEngine(t, store, HandlerMap{
		models.NodePaymentRitual: &scriptHandler{result: &InvocationResult{
			Outcome:       "instructed",
			Suspend:       true,
			WaitCondition: models.PaymentWait("intent-1"),
		}},
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-pay-wait", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionSuspended, res.Status)

	// An inbound text satisfies the message wait, not the payment wait;
	// it must leave the session parked for the real confirmation.
	_, err = eng.Resume(ctx, sess.ID, "message", "reply", nil)
	assert.ErrorIs(t, err, ErrEventMismatch)

	mid, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionSuspended, mid.Status)
	assert.Equal(t, models.PaymentWait("intent-1"), mid.WaitCondition)
	assert.Len(t, mid.History, 1)

	res, err = eng.Resume(ctx, sess.ID, models.PaymentWait("intent-1"), models.OutcomeConfirmed, nil)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionRunning, res.Status)
	assert.Equal(t, "activate", res.NodeID)
}

func TestResumeExpiredWithoutRouteExpiresSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	wf := &models.Workflow{
		ID: "wf-pay-only",
		Nodes: []models.Node{
			{ID: "collect", Kind: models.NodePaymentRitual, Entry: true},
			{ID: "activate", Kind: models.NodeSendMessage, Config: map[string]string{"template": "active"}},
		},
		Edges: []models.Edge{
			{From: "collect", To: "activate", Outcome: models.OutcomeConfirmed},
		},
	}
	assert.NoError(t, store.CreateWorkflow(ctx, wf))

	eng := newTestEngine(t, store, HandlerMap{
		models.NodePaymentRitual: &scriptHandler{result: &InvocationResult{
			Outcome:       "instructed",
			Suspend:       true,
			WaitCondition: models.PaymentWait("intent-1"),
		}},
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-pay-only", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	_, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)

	// No edge handles expiry here, so the session ends as expired rather
	// than completed.
	res, err := eng.Resume(ctx, sess.ID, models.PaymentWait("intent-1"), models.OutcomeExpired, nil)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionExpired, res.Status)

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionExpired, final.Status)
}

func TestResumeTerminalSessionIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	_, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	_, err = eng.Step(ctx, sess.ID)
	assert.NoError(t, err)

	res, err := eng.Resume(ctx, sess.ID, "message", "reply", nil)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, res.Status)

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Len(t, final.History, 1)
}

func TestResumeRunningSessionIsRejected(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)

	_, err = eng.Resume(ctx, sess.ID, "message", "reply", nil)
	assert.ErrorIs(t, err, ErrSessionNotSuspended)
}

func TestCancelMarksSessionCancelled(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeSendMessage: &SendMessageHandler{Messenger: &fakeMessenger{}},
		models.NodeTerminate:   &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	assert.NoError(t, eng.Cancel(ctx, sess.ID))

	final, err := store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, final.Status)
	assert.Len(t, final.History, 1)

	// Cancelling twice stays idempotent.
	assert.NoError(t, eng.Cancel(ctx, sess.ID))
	final, err = store.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Len(t, final.History, 1)
}

func TestStepUnknownNodeKindFailsSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	assert.NoError(t, store.CreateWorkflow(ctx, linearWorkflow()))
	// No handler registered for send_message.
	eng := newTestEngine(t, store, HandlerMap{
		models.NodeTerminate: &TerminateHandler{},
	}, unlimitedTier())

	sess, err := eng.StartSession(ctx, "acct-1", "wf-linear", models.ChannelSMS, "+15550100", nil)
	assert.NoError(t, err)
	res, err := eng.Step(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.SessionFailed, res.Status)
}
