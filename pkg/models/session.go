package models

import (
	"time"
)

// Channel is the contact medium a session runs over.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

// SessionStatus is the lifecycle state of a session. Transitions are
// monotonic except running <-> suspended.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionSuspended SessionStatus = "suspended"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

// WaitMessage is the wait condition of a session suspended on the
// contact's next utterance. Payment suspensions use PaymentWait.
const WaitMessage = "message"

// PaymentWait is the wait condition of a session suspended on the given
// payment intent.
func PaymentWait(intentID string) string {
	return "payment:" + intentID
}

// HistoryEntry records one applied execution step.
type HistoryEntry struct {
	NodeID  string    `json:"node_id"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"` // side effect or error kind, audit only
	At      time.Time `json:"at"`
}

// Session tracks one live contact's progress through a bound workflow
// version. It is owned exclusively by the execution engine; handlers
// request mutations through the result they return and never write the
// session directly.
type Session struct {
	ID             string            `json:"id" db:"id"`
	AccountID      string            `json:"account_id" db:"account_id"`
	WorkflowID     string            `json:"workflow_id" db:"workflow_id"`
	Channel        Channel           `json:"channel" db:"channel"`
	Address        string            `json:"address" db:"address"` // phone number or chat handle
	CurrentNodeID  string            `json:"current_node_id" db:"current_node_id"`
	Vars           map[string]string `json:"vars,omitempty" db:"vars"`       // JSONB
	History        []HistoryEntry    `json:"history,omitempty" db:"history"` // JSONB, append-only
	Status         SessionStatus     `json:"status" db:"status"`
	WaitCondition  string            `json:"wait_condition,omitempty" db:"wait_condition"`
	Deadline       *time.Time        `json:"deadline,omitempty" db:"deadline"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at" db:"last_activity_at"`
}

// Snapshot returns a deep copy safe to hand to an action handler.
func (s *Session) Snapshot() Session {
	cp := *s
	cp.Vars = make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		cp.Vars[k] = v
	}
	cp.History = append([]HistoryEntry(nil), s.History...)
	if s.Deadline != nil {
		d := *s.Deadline
		cp.Deadline = &d
	}
	return cp
}
