// Package clients holds the narrow contracts for the external
// collaborators the engine consumes, plus their HTTP implementations.
package clients

import (
	"context"

	"convoflow/engine/pkg/models"
)

// GenerateResult is the structured response of the AI collaborator.
type GenerateResult struct {
	Text           string  `json:"text"`
	DetectedIntent string  `json:"detected_intent"`
	Confidence     float64 `json:"confidence"`
}

// AIClient is an interface for the conversational AI collaborator.
type AIClient interface {
	// Generate produces a reply for the given prompt and recent
	// conversation context.
	Generate(ctx context.Context, prompt string, context []string) (*GenerateResult, error)
}

// Messenger is an interface for the channel-agnostic messaging
// collaborator.
type Messenger interface {
	// Send delivers body to address over the given channel. The
	// idempotency key dedupes re-sends of the same execution step.
	Send(ctx context.Context, channel models.Channel, address, body, idempotencyKey string) error
}

// AccountDirectory resolves an account's subscription tier. Read-only.
type AccountDirectory interface {
	TierFor(ctx context.Context, accountID string) (*models.Tier, error)
}
