// Package payment implements the payment ritual: time-boxed intents
// confirmed asynchronously by matching inbound notification text, never
// by a synchronous provider callback.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"convoflow/engine/internal/clients"
	"convoflow/engine/internal/logging"
	"convoflow/engine/internal/repository"
	"convoflow/engine/internal/telemetry"
	"convoflow/engine/pkg/models"
)

// ErrAlreadyPending is returned when a session enters a payment node
// while an intent is still open for it.
var ErrAlreadyPending = errors.New("payment: session already has a pending intent")

// DefaultInstructions is the payment instruction template used when the
// node config does not provide one.
const DefaultInstructions = "Please transfer {{amount}} {{currency}} using reference code {{code}}. The code is valid for {{minutes}} minutes."

// Config tunes the ritual. Matching thresholds are configuration, not
// constants: keyword sets and tolerances are tuned empirically per
// deployment.
type Config struct {
	Window          time.Duration
	ReferencePrefix string
	Keywords        []string
	AmountTolerance float64
	MaxCodeDistance int
	DisplayCurrency string
	FxRates         map[string]float64 // display currency -> units per canonical major unit
}

// Service manages payment intents for all sessions.
type Service struct {
	store     repository.IntentStore
	messenger clients.Messenger
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	cfg       Config
	now       func() time.Time
}

// NewService creates a new Service.
func NewService(store repository.IntentStore, messenger clients.Messenger, cfg Config, logger *logging.Logger, metrics *telemetry.Metrics) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "PAY"
	}
	return &Service{
		store:     store,
		messenger: messenger,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Begin opens a payment intent for the session and delivers the payment
// instructions over the session's channel. It returns ErrAlreadyPending
// if the session already has an open intent.
func (s *Service) Begin(ctx context.Context, session models.Session, tierName string, priceMinor int64, instructionsTemplate, idempotencyKey string) (*models.PaymentIntent, error) {
	if _, err := s.store.PendingIntentBySession(ctx, session.ID); err == nil {
		return nil, ErrAlreadyPending
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	code, err := s.generateReferenceCode(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	intent := &models.PaymentIntent{
		ID:              uuid.New().String(),
		SessionID:       session.ID,
		AccountID:       session.AccountID,
		Tier:            tierName,
		AmountMinor:     priceMinor,
		DisplayAmount:   s.displayAmount(priceMinor),
		DisplayCurrency: s.cfg.DisplayCurrency,
		ReferenceCode:   code,
		Status:          models.IntentPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.Window),
	}
	if err := s.store.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to create intent: %w", err)
	}

	if instructionsTemplate == "" {
		instructionsTemplate = DefaultInstructions
	}
	body := renderInstructions(instructionsTemplate, intent, s.cfg.Window)
	if err := s.messenger.Send(ctx, session.Channel, session.Address, body, idempotencyKey); err != nil {
		// Roll the intent back so a retried step can open a fresh one
		// instead of tripping the already-pending guard.
		if _, cErr := s.store.TransitionIntent(ctx, intent.ID, models.IntentPending, models.IntentCancelled, nil); cErr != nil {
			s.logger.Error("failed to roll back undelivered intent", "intent_id", intent.ID, "error", cErr)
		}
		return nil, fmt.Errorf("failed to deliver payment instructions: %w", err)
	}

	s.metrics.RecordPaymentOpened(ctx)
	s.logger.Info("payment intent opened",
		"intent_id", intent.ID,
		"session_id", session.ID,
		"reference_code", code,
		"expires_at", intent.ExpiresAt,
	)
	return intent, nil
}

// CancelIntent moves a pending intent to cancelled. Terminal intents are
// left untouched.
func (s *Service) CancelIntent(ctx context.Context, intentID string) (bool, error) {
	ok, err := s.store.TransitionIntent(ctx, intentID, models.IntentPending, models.IntentCancelled, nil)
	if err != nil {
		return false, err
	}
	if ok {
		s.metrics.RecordPaymentClosed(ctx, string(models.IntentCancelled))
	}
	return ok, nil
}

func (s *Service) displayAmount(priceMinor int64) float64 {
	rate, ok := s.cfg.FxRates[s.cfg.DisplayCurrency]
	if !ok {
		rate = 1
	}
	return float64(priceMinor) / 100 * rate
}

// generateReferenceCode builds a non-guessable code with the configured
// prefix, collision-checked against open intents.
func (s *Service) generateReferenceCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:8]
		code := s.cfg.ReferencePrefix + "-" + suffix
		inUse, err := s.store.ReferenceCodeInUse(ctx, code)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", errors.New("payment: could not generate a unique reference code")
}

func renderInstructions(template string, intent *models.PaymentIntent, window time.Duration) string {
	r := strings.NewReplacer(
		"{{amount}}", fmt.Sprintf("%.2f", intent.DisplayAmount),
		"{{currency}}", intent.DisplayCurrency,
		"{{code}}", intent.ReferenceCode,
		"{{minutes}}", fmt.Sprintf("%d", int(window.Minutes())),
	)
	return r.Replace(template)
}
