// Package quota enforces per-account daily consumption ceilings.
package quota

import (
	"context"
	"time"

	"convoflow/engine/internal/repository"
	"convoflow/engine/pkg/models"
)

// Ledger tracks chargeable consumption against tier limits. All
// arithmetic is delegated to the store's atomic conditional increment, so
// concurrent sessions for one account cannot race past the ceiling.
type Ledger struct {
	store repository.QuotaStore
}

// NewLedger creates a new Ledger.
func NewLedger(store repository.QuotaStore) *Ledger {
	return &Ledger{store: store}
}

// UsageDate formats the quota day key for the given instant, in UTC.
func UsageDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Allow charges amount against the account's daily counter for the
// dimension if the tier limit permits it. It returns whether the charge
// was applied and the resulting total.
func (l *Ledger) Allow(ctx context.Context, accountID string, dim models.QuotaDimension, amount int64, tier *models.Tier, now time.Time) (bool, int64, error) {
	return l.store.ChargeIfAllowed(ctx, accountID, UsageDate(now), dim, amount, tier.LimitFor(dim))
}

// Consumed reports the account's consumption for the dimension on the
// given day.
func (l *Ledger) Consumed(ctx context.Context, accountID string, dim models.QuotaDimension, now time.Time) (int64, error) {
	rec, err := l.store.GetQuota(ctx, accountID, UsageDate(now))
	if err != nil {
		return 0, err
	}
	return rec.Consumed(dim), nil
}
