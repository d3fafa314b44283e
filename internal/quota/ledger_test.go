package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"convoflow/engine/internal/repository"
	"convoflow/engine/pkg/models"
)

func TestUsageDateIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 02:30 local on Sep 1 is still Aug 31 in UTC.
	at := time.Date(2026, 9, 1, 2, 30, 0, 0, loc)
	assert.Equal(t, "2026-08-31", UsageDate(at))
}

func TestAllowChargesUpToLimit(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ledger := NewLedger(store)
	tier := &models.Tier{
		Name:           "basic",
		DailyAIMinutes: models.LimitOf(2),
		DailyMessages:  models.LimitOf(10),
	}
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	ok, total, err := ledger.Allow(ctx, "acct-1", models.QuotaAIMinutes, 1, tier, now)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), total)

	ok, total, err = ledger.Allow(ctx, "acct-1", models.QuotaAIMinutes, 1, tier, now)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), total)

	ok, total, err = ledger.Allow(ctx, "acct-1", models.QuotaAIMinutes, 1, tier, now)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), total)

	// Denial leaves the counter untouched.
	consumed, err := ledger.Consumed(ctx, "acct-1", models.QuotaAIMinutes, now)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), consumed)
}

func TestAllowKeysByDayAndDimension(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ledger := NewLedger(store)
	tier := &models.Tier{
		Name:           "basic",
		DailyAIMinutes: models.LimitOf(1),
		DailyMessages:  models.LimitOf(1),
	}
	day1 := time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)

	ok, _, err := ledger.Allow(ctx, "acct-1", models.QuotaAIMinutes, 1, tier, day1)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Exhausting ai_minutes does not touch messages.
	ok, _, err = ledger.Allow(ctx, "acct-1", models.QuotaMessages, 1, tier, day1)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = ledger.Allow(ctx, "acct-1", models.QuotaAIMinutes, 1, tier, day1)
	assert.NoError(t, err)
	assert.False(t, ok)

	// The day rollover is implicit in the date key.
	ok, _, err = ledger.Allow(ctx, "acct-1", models.QuotaAIMinutes, 1, tier, day2)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowUnlimitedTier(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(repository.NewMemoryStore())
	tier := &models.Tier{
		Name:           "enterprise",
		DailyAIMinutes: models.NoLimit(),
		DailyMessages:  models.NoLimit(),
	}
	now := time.Now()

	for i := 0; i < 100; i++ {
		ok, _, err := ledger.Allow(ctx, "acct-1", models.QuotaMessages, 1, tier, now)
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	consumed, err := ledger.Consumed(ctx, "acct-1", models.QuotaMessages, now)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), consumed)
}

func TestAllowConcurrentChargesNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(repository.NewMemoryStore())
	const limit = 50
	tier := &models.Tier{
		Name:           "basic",
		DailyAIMinutes: models.NoLimit(),
		DailyMessages:  models.LimitOf(limit),
	}
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := ledger.Allow(ctx, "acct-1", models.QuotaMessages, 1, tier, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
	consumed, err := ledger.Consumed(ctx, "acct-1", models.QuotaMessages, now)
	assert.NoError(t, err)
	assert.Equal(t, int64(limit), consumed)
}
