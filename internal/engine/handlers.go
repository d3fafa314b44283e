package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"convoflow/engine/internal/clients"
	"convoflow/engine/internal/payment"
	"convoflow/engine/pkg/models"
)

// stepKey builds the idempotency key for the session's next step, so a
// re-applied step dedupes its outbound sends.
func stepKey(snapshot models.Session) string {
	return fmt.Sprintf("%s:%d", snapshot.ID, len(snapshot.History))
}

// AIResponseHandler generates a conversational reply via the AI
// collaborator and stores it in a session variable for the channel to
// render.
type AIResponseHandler struct {
	AI           clients.AIClient
	ReplyTimeout time.Duration
}

// Execute builds a prompt from the node template, variable bindings and
// recent conversation context, and maps the AI response onto an outcome.
func (h *AIResponseHandler) Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error) {
	template := config["template"]
	if template == "" {
		return nil, Permanent("ai_response node has no template")
	}
	prompt := renderTemplate(template, snapshot.Vars)

	res, err := h.AI.Generate(ctx, prompt, conversationContext(snapshot))
	if err != nil {
		return nil, err
	}

	outcome := models.OutcomeContinue
	threshold := 0.5
	if v, ok := config["intent_confidence"]; ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, Permanent("ai_response node has invalid intent_confidence %q", v)
		}
		threshold = t
	}
	if res.DetectedIntent != "" && res.Confidence >= threshold {
		outcome = "intent_detected:" + res.DetectedIntent
	}

	replyVar := config["reply_var"]
	if replyVar == "" {
		replyVar = "ai_reply"
	}

	result := &InvocationResult{
		Outcome:         outcome,
		VariableUpdates: map[string]string{replyVar: res.Text},
		SideEffect:      fmt.Sprintf("ai reply generated (%d chars)", len(res.Text)),
	}
	if config["await_reply"] == "true" {
		deadline := qc.Now.Add(h.ReplyTimeout)
		result.Suspend = true
		result.WaitCondition = models.WaitMessage
		result.Deadline = &deadline
	}
	return result, nil
}

// conversationContext formats the recent exchange for the AI
// collaborator: the tail of the execution history plus the last inbound
// utterance.
func conversationContext(snapshot models.Session) []string {
	const tail = 6
	start := 0
	if len(snapshot.History) > tail {
		start = len(snapshot.History) - tail
	}
	var out []string
	for _, entry := range snapshot.History[start:] {
		out = append(out, fmt.Sprintf("%s: %s", entry.NodeID, entry.Outcome))
	}
	if msg := snapshot.Vars["last_user_message"]; msg != "" {
		out = append(out, "user: "+msg)
	}
	if reply := snapshot.Vars["ai_reply"]; reply != "" {
		out = append(out, "assistant: "+reply)
	}
	return out
}

// SendMessageHandler renders a message template and delivers it through
// the messaging collaborator.
type SendMessageHandler struct {
	Messenger clients.Messenger
}

// Execute sends the rendered template. Delivery rejections map to the
// routable failed outcome; transient transport errors propagate so the
// engine can retry.
func (h *SendMessageHandler) Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error) {
	template := config["template"]
	if template == "" {
		return nil, Permanent("send_message node has no template")
	}
	body := renderTemplate(template, snapshot.Vars)

	channel := snapshot.Channel
	if c := config["channel"]; c != "" {
		channel = models.Channel(c)
	}
	address := snapshot.Address
	if a := config["address"]; a != "" {
		address = renderTemplate(a, snapshot.Vars)
	}

	if err := h.Messenger.Send(ctx, channel, address, body, stepKey(snapshot)); err != nil {
		if clients.IsTransient(err) {
			return nil, err
		}
		return &InvocationResult{Outcome: models.OutcomeFailed, SideEffect: err.Error()}, nil
	}
	return &InvocationResult{
		Outcome:    models.OutcomeSent,
		SideEffect: fmt.Sprintf("message sent to %s over %s", address, channel),
	}, nil
}

// ChannelRelayHandler relays a previously generated variable, typically
// the AI reply, onto the session's own channel.
type ChannelRelayHandler struct {
	Messenger clients.Messenger
}

// Execute delivers the source variable to the session's address.
func (h *ChannelRelayHandler) Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error) {
	sourceVar := config["source_var"]
	if sourceVar == "" {
		sourceVar = "ai_reply"
	}
	body := snapshot.Vars[sourceVar]
	if body == "" {
		return &InvocationResult{
			Outcome:    models.OutcomeFailed,
			SideEffect: fmt.Sprintf("nothing to relay: variable %q is empty", sourceVar),
		}, nil
	}

	if err := h.Messenger.Send(ctx, snapshot.Channel, snapshot.Address, body, stepKey(snapshot)); err != nil {
		if clients.IsTransient(err) {
			return nil, err
		}
		return &InvocationResult{Outcome: models.OutcomeFailed, SideEffect: err.Error()}, nil
	}
	return &InvocationResult{
		Outcome:    models.OutcomeSent,
		SideEffect: fmt.Sprintf("relayed %s over %s", sourceVar, snapshot.Channel),
	}, nil
}

// PaymentRitualHandler opens a payment intent and suspends the session
// until the ritual resolves.
type PaymentRitualHandler struct {
	Payments *payment.Service
}

// Execute begins the ritual for the tier named in the node config,
// falling back to the account's own tier. A second entry while an intent
// is open reports already_pending instead of creating a duplicate.
func (h *PaymentRitualHandler) Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error) {
	tierName := config["tier"]
	if tierName == "" {
		tierName = qc.Tier.Name
	}
	price := qc.Tier.PriceMinor
	if v, ok := config["price_minor"]; ok {
		p, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, Permanent("payment_ritual node has invalid price_minor %q", v)
		}
		price = p
	}

	intent, err := h.Payments.Begin(ctx, snapshot, tierName, price, config["instructions"], stepKey(snapshot))
	if errors.Is(err, payment.ErrAlreadyPending) {
		return &InvocationResult{
			Outcome:    models.OutcomeAlreadyPending,
			SideEffect: "payment intent already open for session",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &InvocationResult{
		Outcome:       "instructed",
		Suspend:       true,
		WaitCondition: models.PaymentWait(intent.ID),
		SideEffect:    fmt.Sprintf("payment instructions delivered, reference %s", intent.ReferenceCode),
	}, nil
}

// TerminateHandler ends the session.
type TerminateHandler struct{}

// Execute reports completion; the engine closes the session.
func (h *TerminateHandler) Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error) {
	return &InvocationResult{Outcome: models.OutcomeCompleted}, nil
}
