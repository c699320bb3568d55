// Package verification owns the per-user identity verification lifecycle:
// the status state machine, its append-only log, and the orchestrator that
// applies provider and manual events to it.
package verification

import (
	"time"
)

// Status is the lifecycle stage of a user's verification.
type Status string

// Lifecycle statuses. A user starts at StatusNone, moves to StatusPending
// when a provider session is created, and settles in one of the remaining
// statuses via a provider webhook or a manual review decision.
const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusReview   Status = "review"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusApproved, StatusRejected, StatusReview, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal statuses are
// sticky: a later provider event for the same session never overrides them.
// Only a manual override (from review) or a fresh session (after rejected)
// moves the state again.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Active reports whether s represents an in-flight provider session.
// At most one active session exists per user at a time.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusReview
}

// State is the current verification state for a single user. It is a
// latest-wins projection over the append-only log; the log is the source
// of truth for history.
type State struct {
	UserID string `json:"user_id"`
	Status Status `json:"status"`

	// Provider identifies which adapter owns this state. Empty when
	// Status is none.
	Provider string `json:"provider,omitempty"`

	// ProviderSessionID correlates webhook events back to this state.
	// Unique among states with an active status.
	ProviderSessionID string `json:"provider_session_id,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	// Diagnostic fields carried from provider payloads, used for manual
	// review triage.
	RiskScore *float64 `json:"risk_score,omitempty"`
	Reason    string   `json:"reason,omitempty"`

	// Manual override metadata. Set only when a human operator decided
	// the outcome.
	ManualReview bool   `json:"manual_review,omitempty"`
	ReviewedBy   string `json:"reviewed_by,omitempty"`
	ReviewReason string `json:"review_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsVerified reports whether the user has completed verification.
func (s *State) IsVerified() bool {
	return s.Status == StatusApproved
}

// LogEntry is an immutable audit record for one lifecycle event. Entries are
// never mutated or deleted; together they are the reconstructable history of
// a user's State.
type LogEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Provider  string         `json:"provider"`
	Event     string         `json:"event"`
	Status    Status         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log event names. Provider-driven events use the canonical status as the
// event name; manual decisions use the operator's action verb.
const (
	EventStarted       = "started"
	EventApproved      = "approved"
	EventRejected      = "rejected"
	EventReview        = "review"
	EventExpired       = "expired"
	EventManualApprove = "approve"
	EventManualReject  = "reject"
)

// ProviderManual marks log entries produced by an operator rather than a
// third-party provider.
const ProviderManual = "manual"
