package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/agegate/internal/middleware"
	"github.com/onnwee/agegate/internal/provider"
	"github.com/onnwee/agegate/internal/validate"
	"github.com/onnwee/agegate/internal/verification"
)

// statusLogLimit bounds how many recent log entries the status endpoint
// returns.
const statusLogLimit = 20

// VerifyHandlers holds dependencies for verification session HTTP handlers.
type VerifyHandlers struct {
	orchestrator *verification.Orchestrator
	repo         verification.Repository
}

// NewVerifyHandlers creates a new VerifyHandlers instance.
func NewVerifyHandlers(orchestrator *verification.Orchestrator, repo verification.Repository) *VerifyHandlers {
	return &VerifyHandlers{
		orchestrator: orchestrator,
		repo:         repo,
	}
}

// StartVerificationRequest is the request body for starting a session.
type StartVerificationRequest struct {
	Email string `json:"email,omitempty"`
}

// StartVerificationResponse is returned when a session is created.
type StartVerificationResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
	Provider   string `json:"provider"`
}

// StartVerification begins a new verification session for the
// authenticated user.
// POST /verify/start
func (h *VerifyHandlers) StartVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "authentication required")
		return
	}

	var req StartVerificationRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
			return
		}
	}

	email := ""
	if req.Email != "" {
		normalized, err := validate.Email(req.Email)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid email address")
			return
		}
		email = normalized
	}

	result, err := h.orchestrator.Start(ctx, userID, email, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.writeStartError(w, ctx, err)
		return
	}

	writeJSON(w, ctx, http.StatusOK, StartVerificationResponse{
		SessionID:  result.SessionID,
		SessionURL: result.SessionURL,
		Provider:   result.Provider,
	})
}

// writeStartError maps orchestrator start failures onto the error envelope.
// Provider error text is never forwarded to the client.
func (h *VerifyHandlers) writeStartError(w http.ResponseWriter, ctx context.Context, err error) {
	var rl *verification.RateLimitError
	switch {
	case errors.Is(err, verification.ErrAlreadyVerified):
		ctx = middleware.SetErrorCode(ctx, ErrCodeAlreadyVerified)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeAlreadyVerified, "user is already verified")
	case errors.As(err, &rl):
		retryAfter := int(time.Until(rl.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
		ctx = middleware.SetErrorCode(ctx, ErrCodeRateLimited)
		WriteError(w, ctx, http.StatusTooManyRequests, ErrCodeRateLimited,
			fmt.Sprintf("too many verification attempts, retry after %d seconds", retryAfter))
	case errors.Is(err, provider.ErrAPI), errors.Is(err, provider.ErrConfig):
		slog.ErrorContext(ctx, "failed to start verification session", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeProviderUnavailable)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeProviderUnavailable, "verification provider unavailable, try again later")
	default:
		// Repository failures are our outage, not the provider's.
		slog.ErrorContext(ctx, "failed to start verification session", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to start verification session")
	}
}

// VerificationStatusResponse is the status endpoint body.
type VerificationStatusResponse struct {
	IsVerified   bool                     `json:"is_verified"`
	Verification *verification.State      `json:"verification"`
	Logs         []*verification.LogEntry `json:"logs"`
}

// VerificationStatus returns the caller's verification state and recent
// audit log entries.
// GET /verify/status
func (h *VerifyHandlers) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "authentication required")
		return
	}

	state, err := h.repo.GetState(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load verification state", "user_id", userID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to load verification status")
		return
	}

	logs, err := h.repo.ListLog(ctx, userID, statusLogLimit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load verification logs", "user_id", userID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to load verification status")
		return
	}
	if logs == nil {
		logs = []*verification.LogEntry{}
	}

	writeJSON(w, ctx, http.StatusOK, VerificationStatusResponse{
		IsVerified:   state.IsVerified(),
		Verification: state,
		Logs:         logs,
	})
}

// ManualReviewRequest is the request body for an operator override.
type ManualReviewRequest struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ManualReviewResponse confirms an applied override.
type ManualReviewResponse struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
}

// ManualReview applies an operator approve/reject decision to a user's
// verification state. Admin only.
// POST /verify/manual
func (h *VerifyHandlers) ManualReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminID := middleware.GetUserID(ctx)
	if adminID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "authentication required")
		return
	}
	if !middleware.IsAdmin(ctx) {
		ctx = middleware.SetErrorCode(ctx, ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "admin access required")
		return
	}

	var req ManualReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	userID, err := validate.UserID(req.UserID)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "user_id is required")
		return
	}
	reason, err := validate.OverrideReason(req.Reason)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "reason is too long")
		return
	}

	if err := h.orchestrator.ApplyManualOverride(ctx, adminID, userID, req.Action, reason); err != nil {
		if errors.Is(err, verification.ErrInvalidAction) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidAction)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidAction, "action must be approve or reject")
			return
		}
		slog.ErrorContext(ctx, "failed to apply manual override", "user_id", req.UserID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to apply override")
		return
	}

	writeJSON(w, ctx, http.StatusOK, ManualReviewResponse{Success: true, Action: req.Action})
}
