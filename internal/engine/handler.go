package engine

import (
	"context"

	"convoflow/engine/internal/clients"
	"convoflow/engine/internal/payment"
	"convoflow/engine/pkg/models"
)

// Handler executes one node kind. Implementations are pure with respect
// to the session: they receive a snapshot and express all mutation
// through the InvocationResult.
type Handler interface {
	Execute(ctx context.Context, snapshot models.Session, config map[string]string, qc QuotaContext) (*InvocationResult, error)
}

// HandlerMap binds node kinds to their handlers. It is built explicitly
// at construction time and injected into the engine; there is no global
// registry.
type HandlerMap map[models.NodeKind]Handler

// DefaultHandlers builds the production handler set.
func DefaultHandlers(ai clients.AIClient, messenger clients.Messenger, payments *payment.Service, cfg Config) HandlerMap {
	return HandlerMap{
		models.NodeAIResponse:    &AIResponseHandler{AI: ai, ReplyTimeout: cfg.ReplyTimeout},
		models.NodeSendMessage:   &SendMessageHandler{Messenger: messenger},
		models.NodeChannelRelay:  &ChannelRelayHandler{Messenger: messenger},
		models.NodePaymentRitual: &PaymentRitualHandler{Payments: payments},
		models.NodeTerminate:     &TerminateHandler{},
	}
}
