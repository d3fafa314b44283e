package payment

import (
	"context"

	"convoflow/engine/pkg/models"
)

// SweepExpired transitions every pending intent past its expiry to
// expired and returns the resolutions so the supervisor can resume the
// owning sessions. Intents confirmed concurrently are skipped; terminal
// states never flip.
func (s *Service) SweepExpired(ctx context.Context) ([]Resolution, error) {
	due, err := s.store.PendingIntentsExpiredBefore(ctx, s.now())
	if err != nil {
		return nil, err
	}

	var resolutions []Resolution
	for _, intent := range due {
		ok, err := s.store.TransitionIntent(ctx, intent.ID, models.IntentPending, models.IntentExpired, nil)
		if err != nil {
			return resolutions, err
		}
		if !ok {
			continue
		}
		s.metrics.RecordPaymentClosed(ctx, string(models.IntentExpired))
		s.logger.Info("payment intent expired",
			"intent_id", intent.ID,
			"session_id", intent.SessionID,
		)
		intent.Status = models.IntentExpired
		resolutions = append(resolutions, Resolution{
			Intent:    intent,
			SessionID: intent.SessionID,
			Outcome:   models.OutcomeExpired,
		})
	}
	return resolutions, nil
}
