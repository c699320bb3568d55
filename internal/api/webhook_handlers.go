package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/agegate/internal/middleware"
	"github.com/onnwee/agegate/internal/provider"
	"github.com/onnwee/agegate/internal/verification"
)

// ProviderHeader names the verification provider that sent a webhook. It
// selects the signature scheme and payload parser; it never carries any
// authorization on its own.
const ProviderHeader = "X-Verification-Provider"

// maxWebhookBody caps webhook payload reads at 1 MiB.
const maxWebhookBody = 1 << 20

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	registry     *provider.Registry
	orchestrator *verification.Orchestrator
	metrics      *middleware.Metrics
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(registry *provider.Registry, orchestrator *verification.Orchestrator, metrics *middleware.Metrics) *WebhookHandlers {
	return &WebhookHandlers{
		registry:     registry,
		orchestrator: orchestrator,
		metrics:      metrics,
	}
}

// HandleProviderWebhook processes verification provider callbacks with
// signature verification.
// POST /verify/webhook
//
// The raw body bytes are verified against the provider's signature header
// before any parsing. A request that fails verification is rejected without
// touching verification state. The user is resolved only through the
// provider session ID recorded when the session was started.
func (h *WebhookHandlers) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providerName := r.Header.Get(ProviderHeader)
	if providerName == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "missing "+ProviderHeader+" header")
		return
	}

	prov, err := h.registry.Get(providerName)
	if err != nil {
		slog.WarnContext(ctx, "webhook from unknown provider", "provider", providerName)
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnknownProvider)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnknownProvider, "unknown verification provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	// Verify the signature over the raw bytes before parsing anything.
	signature := r.Header.Get(prov.SignatureHeader())
	if !prov.VerifySignature(body, signature) {
		slog.WarnContext(ctx, "webhook signature verification failed", "provider", providerName)
		if h.metrics != nil {
			h.metrics.IncWebhookSignatureFailures(providerName)
		}
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "invalid signature")
		return
	}

	event, err := prov.ParseWebhookPayload(body)
	if err != nil {
		slog.WarnContext(ctx, "unrecognized webhook payload", "provider", providerName, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "unrecognized payload")
		return
	}

	// Log minimal event info, never the full payload.
	slog.InfoContext(ctx, "webhook event received",
		"provider", providerName,
		"provider_session_id", event.SessionID,
		"status", event.Status)

	if err := h.orchestrator.ApplyWebhookEvent(ctx, *event); err != nil {
		if errors.Is(err, verification.ErrSessionNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeSessionNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeSessionNotFound, "no active session matches this event")
			return
		}
		slog.ErrorContext(ctx, "failed to apply webhook event",
			"provider", providerName,
			"provider_session_id", event.SessionID,
			"error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	w.WriteHeader(http.StatusOK)
}
