package payment

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"

	"convoflow/engine/pkg/models"
)

// Resolution reports an intent that reached a terminal status and the
// session waiting on it.
type Resolution struct {
	Intent    *models.PaymentIntent
	SessionID string
	Outcome   string // models.OutcomeConfirmed or models.OutcomeExpired
}

var amountRe = regexp.MustCompile(`\d+(?:[.,]\d{1,2})?`)
var tokenRe = regexp.MustCompile(`[A-Za-z0-9-]+`)

// MatchNotification scores the notification text against the account's
// open intents. Confirmation requires a transfer keyword, an amount
// within the configured tolerance, and a reference code match within the
// configured edit distance. A keyword hit with neither amount nor code is
// ambiguous: it is audited and dropped, never auto-confirmed, because a
// false positive costs more than a missed match.
func (s *Service) MatchNotification(ctx context.Context, accountID, text string) (*Resolution, error) {
	now := s.now()
	intents, err := s.store.PendingIntentsByAccount(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, nil
	}

	keywordHit := s.containsKeyword(text)
	amounts := extractAmounts(text)

	var best *models.PaymentIntent
	bestDelta := math.MaxFloat64
	ambiguous := false
	for _, intent := range intents {
		amountOK, delta := amountWithinTolerance(amounts, intent.DisplayAmount, s.cfg.AmountTolerance)
		codeOK := codeMatches(text, intent.ReferenceCode, s.cfg.MaxCodeDistance)
		switch {
		case keywordHit && amountOK && codeOK:
			if delta < bestDelta {
				best = intent
				bestDelta = delta
			}
		case keywordHit && !amountOK && !codeOK:
			ambiguous = true
		}
	}

	if best == nil {
		if ambiguous {
			s.metrics.RecordAmbiguousNotification(ctx)
			s.logger.Warn("ambiguous payment notification dropped",
				"account_id", accountID,
				"pending_intents", len(intents),
			)
		}
		return nil, nil
	}

	ok, err := s.store.TransitionIntent(ctx, best.ID, models.IntentPending, models.IntentConfirmed, &text)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with the sweep or a concurrent notification;
		// terminal states stay sticky.
		return nil, nil
	}

	s.metrics.RecordPaymentClosed(ctx, string(models.IntentConfirmed))
	s.logger.Info("payment intent confirmed",
		"intent_id", best.ID,
		"session_id", best.SessionID,
		"reference_code", best.ReferenceCode,
	)
	best.Status = models.IntentConfirmed
	best.ConfirmedText = &text
	return &Resolution{Intent: best, SessionID: best.SessionID, Outcome: models.OutcomeConfirmed}, nil
}

func (s *Service) containsKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range s.cfg.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// extractAmounts pulls every numeric token out of the text. Notification
// formats are adversarial, so every candidate is considered.
func extractAmounts(text string) []float64 {
	var out []float64
	for _, m := range amountRe.FindAllString(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}

func amountWithinTolerance(amounts []float64, expected, tolerance float64) (bool, float64) {
	bestDelta := math.MaxFloat64
	for _, a := range amounts {
		if d := math.Abs(a - expected); d < bestDelta {
			bestDelta = d
		}
	}
	return bestDelta <= tolerance, bestDelta
}

// codeMatches looks for the reference code among the text's tokens,
// tolerating small transcription errors up to maxDistance edits. Codes
// are compared without separators and case-insensitively.
func codeMatches(text, code string, maxDistance int) bool {
	norm := normalizeCode(code)
	for _, token := range tokenRe.FindAllString(text, -1) {
		cand := normalizeCode(token)
		if len(cand) < len(norm)-maxDistance || len(cand) > len(norm)+maxDistance {
			continue
		}
		if levenshtein.ComputeDistance(cand, norm) <= maxDistance {
			return true
		}
	}
	return false
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", ""))
}
