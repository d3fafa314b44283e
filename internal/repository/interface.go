package repository

import (
	"context"
	"errors"
	"time"

	"convoflow/engine/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("repository: not found")

// WorkflowStore stores published workflow versions.
type WorkflowStore interface {
	// CreateWorkflow persists a new workflow version.
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	// GetWorkflow retrieves a workflow version by its ID.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// ListWorkflows returns all workflow versions.
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
}

// SessionStore stores session state. The engine is the only writer.
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, session *models.Session) error
	// GetSession retrieves a session by its ID.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// UpdateSession persists the session's current state.
	UpdateSession(ctx context.Context, session *models.Session) error
	// ListSessionsByStatus returns sessions in any of the given statuses,
	// used to rebuild supervision after a restart.
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error)
}

// IntentStore stores payment intents and supports the lookups the ritual
// sub-engine needs: by session, by account for notification matching, and
// past-expiry for the sweep.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	// PendingIntentBySession returns the session's pending intent, or
	// ErrNotFound if none exists.
	PendingIntentBySession(ctx context.Context, sessionID string) (*models.PaymentIntent, error)
	// PendingIntentsByAccount returns pending intents for the account that
	// have not expired as of now.
	PendingIntentsByAccount(ctx context.Context, accountID string, now time.Time) ([]*models.PaymentIntent, error)
	// PendingIntentsExpiredBefore returns pending intents whose expiry has
	// passed.
	PendingIntentsExpiredBefore(ctx context.Context, now time.Time) ([]*models.PaymentIntent, error)
	// ReferenceCodeInUse reports whether an active intent already holds the
	// given reference code.
	ReferenceCodeInUse(ctx context.Context, code string) (bool, error)
	// TransitionIntent moves an intent from one status to another. It
	// returns false if the intent was not in the expected status, keeping
	// terminal states sticky.
	TransitionIntent(ctx context.Context, id string, from, to models.IntentStatus, confirmedText *string) (bool, error)
}

// QuotaStore stores per-account daily consumption counters.
type QuotaStore interface {
	// ChargeIfAllowed atomically adds amount to the account's counter for
	// the dimension, unless doing so would exceed the limit. It returns
	// whether the charge was applied and the resulting total.
	ChargeIfAllowed(ctx context.Context, accountID, usageDate string, dim models.QuotaDimension, amount int64, limit models.Limit) (bool, int64, error)
	// GetQuota retrieves the account's record for the usage date, or a
	// zero record if none exists yet.
	GetQuota(ctx context.Context, accountID, usageDate string) (*models.QuotaRecord, error)
}

// Repository is the full persistence surface consumed by the engine.
type Repository interface {
	WorkflowStore
	SessionStore
	IntentStore
	QuotaStore
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
