package models

import (
	"time"
)

// IntentStatus is the lifecycle state of a payment intent. Terminal
// states are sticky; a confirmed intent never expires and vice versa.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentConfirmed IntentStatus = "confirmed"
	IntentExpired   IntentStatus = "expired"
	IntentCancelled IntentStatus = "cancelled"
)

// PaymentIntent is a time-boxed expectation of an inbound payment,
// confirmed asynchronously by matching notification text rather than by a
// synchronous provider callback. At most one pending intent exists per
// session.
type PaymentIntent struct {
	ID              string       `json:"id" db:"id"`
	SessionID       string       `json:"session_id" db:"session_id"`
	AccountID       string       `json:"account_id" db:"account_id"`
	Tier            string       `json:"tier" db:"tier"`
	AmountMinor     int64        `json:"amount_minor" db:"amount_minor"` // canonical currency, minor units
	DisplayAmount   float64      `json:"display_amount" db:"display_amount"`
	DisplayCurrency string       `json:"display_currency" db:"display_currency"`
	ReferenceCode   string       `json:"reference_code" db:"reference_code"`
	Status          IntentStatus `json:"status" db:"status"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at" db:"expires_at"`
	ConfirmedText   *string      `json:"confirmed_text,omitempty" db:"confirmed_text"`
}
