package models

// QuotaDimension names a chargeable resource tracked per account per day.
type QuotaDimension string

const (
	QuotaAIMinutes QuotaDimension = "ai_minutes"
	QuotaMessages  QuotaDimension = "messages"
)

// Limit is a daily consumption ceiling. Unlimited tiers use the
// distinguished no-limit value instead of a magic numeric cap.
type Limit struct {
	Max       int64 `json:"max"`
	Unlimited bool  `json:"unlimited"`
}

// NoLimit returns the sentinel limit that never denies consumption.
func NoLimit() Limit { return Limit{Unlimited: true} }

// LimitOf returns a fixed ceiling of n units per day.
func LimitOf(n int64) Limit { return Limit{Max: n} }

// Allows reports whether consuming amount on top of consumed stays within
// the limit.
func (l Limit) Allows(consumed, amount int64) bool {
	return l.Unlimited || consumed+amount <= l.Max
}

// QuotaRecord is one account's consumption for one usage date. Day
// rollover is implicit in the date key; no reset job exists.
type QuotaRecord struct {
	AccountID string `json:"account_id" db:"account_id"`
	UsageDate string `json:"usage_date" db:"usage_date"` // YYYY-MM-DD, UTC
	AIMinutes int64  `json:"ai_minutes" db:"ai_minutes"`
	Messages  int64  `json:"messages" db:"messages"`
}

// Consumed returns the record's total for the given dimension.
func (r *QuotaRecord) Consumed(dim QuotaDimension) int64 {
	if dim == QuotaAIMinutes {
		return r.AIMinutes
	}
	return r.Messages
}

// Tier describes an account's subscription level: its price and its daily
// consumption ceilings.
type Tier struct {
	Name           string `json:"name"`
	PriceMinor     int64  `json:"price_minor"` // canonical currency, minor units
	DailyAIMinutes Limit  `json:"daily_ai_minutes"`
	DailyMessages  Limit  `json:"daily_messages"`
}

// LimitFor returns the tier's ceiling for the given dimension.
func (t *Tier) LimitFor(dim QuotaDimension) Limit {
	if dim == QuotaAIMinutes {
		return t.DailyAIMinutes
	}
	return t.DailyMessages
}
