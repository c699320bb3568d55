package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/agegate/internal/provider"
	"github.com/onnwee/agegate/internal/ratelimit"
)

var (
	// ErrAlreadyVerified is returned when a user with approved status
	// attempts to start a new verification session.
	ErrAlreadyVerified = errors.New("user is already verified")

	// ErrInvalidAction is returned when a manual override action is not
	// "approve" or "reject".
	ErrInvalidAction = errors.New("invalid manual review action")
)

// RateLimitError is returned when session starts are rate limited. It
// carries the retry hint callers must surface.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return "verification start rate limit exceeded"
}

// StartResult is the outcome of a successful session start.
type StartResult struct {
	SessionID  string
	SessionURL string
	Provider   string
}

// Metrics receives orchestrator observability events. Implemented by
// middleware.Metrics; nil disables reporting.
type Metrics interface {
	IncSessionsStarted(provider string)
	IncWebhookEvents(provider, status string)
	IncManualOverrides(action string)
}

// Orchestrator owns the per-user verification state machine. It is the only
// component that mutates State; everything else reads.
type Orchestrator struct {
	repo     Repository
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	metrics  Metrics
	timeNow  func() time.Time

	// Serializes Start calls per user so two concurrent starts cannot
	// create divergent pending sessions.
	userLocks sync.Map // userID -> *sync.Mutex
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(repo Repository, registry *provider.Registry, limiter *ratelimit.Limiter, metrics Metrics) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		registry: registry,
		limiter:  limiter,
		metrics:  metrics,
		timeNow:  time.Now,
	}
}

func (o *Orchestrator) lockUser(userID string) *sync.Mutex {
	mu, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Start begins a new verification session for the user. It refuses for
// already-approved users, applies the rate limiter keyed on clientIP, calls
// the active provider, and only then records the pending state. A provider
// failure leaves the state untouched: no pending state is recorded without a
// confirmed remote session.
func (o *Orchestrator) Start(ctx context.Context, userID, email, clientIP, userAgent string) (*StartResult, error) {
	mu := o.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := o.repo.GetState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get verification state: %w", err)
	}
	if state.Status == StatusApproved {
		return nil, ErrAlreadyVerified
	}

	decision := o.limiter.CheckAndRecord(ctx, clientIP)
	if !decision.Allowed {
		return nil, &RateLimitError{ResetAt: decision.ResetAt}
	}

	active := o.registry.Active()
	session, err := active.CreateSession(ctx, provider.SessionRequest{UserID: userID, Email: email})
	if err != nil {
		return nil, fmt.Errorf("create provider session: %w", err)
	}

	now := o.timeNow().UTC()
	newState := &State{
		UserID:            userID,
		Status:            StatusPending,
		Provider:          session.Provider,
		ProviderSessionID: session.ID,
		StartedAt:         &now,
	}
	if err := o.repo.PutState(ctx, newState); err != nil {
		return nil, fmt.Errorf("store pending state: %w", err)
	}

	o.appendLog(ctx, &LogEntry{
		UserID:   userID,
		Provider: session.Provider,
		Event:    EventStarted,
		Status:   StatusPending,
		Payload: map[string]any{
			"session_id": session.ID,
			"superseded": state.Status != StatusNone,
		},
		IPAddress: clientIP,
		UserAgent: userAgent,
	})
	if o.metrics != nil {
		o.metrics.IncSessionsStarted(session.Provider)
	}

	slog.InfoContext(ctx, "verification session started",
		"user_id", userID, "provider", session.Provider, "session_id", session.ID)

	return &StartResult{
		SessionID:  session.ID,
		SessionURL: session.URL,
		Provider:   session.Provider,
	}, nil
}

// ApplyWebhookEvent reconciles a canonical provider event into state. The
// user is resolved only via the previously-recorded provider session ID;
// nothing in the payload is trusted for authorization. Unmatched events fail
// with ErrSessionNotFound. Terminal states are sticky: a later review event
// for an already-approved session is acknowledged without changing state.
func (o *Orchestrator) ApplyWebhookEvent(ctx context.Context, ev provider.Event) error {
	state, err := o.repo.FindByProviderSessionID(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	mu := o.lockUser(state.UserID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; a concurrent event may have advanced the
	// state between lookup and lock acquisition.
	state, err = o.repo.GetState(ctx, state.UserID)
	if err != nil {
		return fmt.Errorf("get verification state: %w", err)
	}
	if state.ProviderSessionID != ev.SessionID {
		return ErrSessionNotFound
	}

	newStatus := statusFromCanonical(ev.Status)

	if state.Status.Terminal() {
		// Idempotent redelivery of the terminal event is acknowledged
		// and logged; a conflicting non-terminal event never overrides.
		o.appendEventLog(ctx, state, ev, state.Status)
		slog.InfoContext(ctx, "webhook event for terminal state ignored",
			"user_id", state.UserID, "session_id", ev.SessionID,
			"current", state.Status, "event_status", newStatus)
		return nil
	}

	state.Status = newStatus
	state.RiskScore = ev.RiskScore
	state.Reason = ev.Reason
	if newStatus == StatusApproved {
		now := o.timeNow().UTC()
		state.VerifiedAt = &now
	}
	if err := o.repo.PutState(ctx, state); err != nil {
		return fmt.Errorf("store verification state: %w", err)
	}

	o.appendEventLog(ctx, state, ev, newStatus)
	if o.metrics != nil {
		o.metrics.IncWebhookEvents(state.Provider, string(newStatus))
	}

	slog.InfoContext(ctx, "webhook event applied",
		"user_id", state.UserID, "provider", state.Provider,
		"session_id", ev.SessionID, "status", newStatus)
	return nil
}

// ApplyManualOverride sets the status directly from an operator decision.
// action is "approve" or "reject"; the log entry is marked provider=manual.
func (o *Orchestrator) ApplyManualOverride(ctx context.Context, adminID, userID, action, reason string) error {
	var newStatus Status
	var event string
	switch action {
	case EventManualApprove:
		newStatus = StatusApproved
		event = EventManualApprove
	case EventManualReject:
		newStatus = StatusRejected
		event = EventManualReject
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	mu := o.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := o.repo.GetState(ctx, userID)
	if err != nil {
		return fmt.Errorf("get verification state: %w", err)
	}

	state.Status = newStatus
	state.ManualReview = true
	state.ReviewedBy = adminID
	state.ReviewReason = reason
	if newStatus == StatusApproved {
		now := o.timeNow().UTC()
		state.VerifiedAt = &now
	}
	if err := o.repo.PutState(ctx, state); err != nil {
		return fmt.Errorf("store verification state: %w", err)
	}

	o.appendLog(ctx, &LogEntry{
		UserID:   userID,
		Provider: ProviderManual,
		Event:    event,
		Status:   newStatus,
		Payload: map[string]any{
			"reviewed_by": adminID,
			"reason":      reason,
		},
	})
	if o.metrics != nil {
		o.metrics.IncManualOverrides(action)
	}

	slog.InfoContext(ctx, "manual verification override applied",
		"user_id", userID, "admin_id", adminID, "action", action)
	return nil
}

func statusFromCanonical(s string) Status {
	switch s {
	case provider.StatusApproved:
		return StatusApproved
	case provider.StatusRejected:
		return StatusRejected
	default:
		return StatusReview
	}
}

func (o *Orchestrator) appendEventLog(ctx context.Context, state *State, ev provider.Event, status Status) {
	payload := map[string]any{"session_id": ev.SessionID}
	if ev.RiskScore != nil {
		payload["risk_score"] = *ev.RiskScore
	}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	o.appendLog(ctx, &LogEntry{
		UserID:   state.UserID,
		Provider: state.Provider,
		Event:    string(status),
		Status:   status,
		Payload:  payload,
	})
}

// appendLog records an audit entry. Log failures are reported but do not
// fail the operation; the projected state is already persisted.
func (o *Orchestrator) appendLog(ctx context.Context, entry *LogEntry) {
	if err := o.repo.AppendLog(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "failed to append verification log",
			"user_id", entry.UserID, "event", entry.Event, "error", err)
	}
}
