package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/agegate/internal/asset"
	"github.com/onnwee/agegate/internal/middleware"
	"github.com/onnwee/agegate/internal/verification"
)

// AssetHandlers holds dependencies for signed asset URL handlers. The access
// decision is made here, against current verification state, on every
// request; signed URLs are never minted for unverified callers.
type AssetHandlers struct {
	signer  asset.Signer
	repo    verification.Repository
	metrics *middleware.Metrics
}

// NewAssetHandlers creates a new AssetHandlers instance.
func NewAssetHandlers(signer asset.Signer, repo verification.Repository, metrics *middleware.Metrics) *AssetHandlers {
	return &AssetHandlers{
		signer:  signer,
		repo:    repo,
		metrics: metrics,
	}
}

// SignedAssetResponse carries a freshly minted signed URL.
type SignedAssetResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// SignedAssetURL issues a time-limited signed URL for a protected media
// object if the caller holds an approved verification.
// GET /assets/signed?key=...
func (h *AssetHandlers) SignedAssetURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "authentication required")
		return
	}

	key := r.URL.Query().Get("key")
	if err := asset.ValidateKey(key); err != nil {
		code := ErrCodeInvalidAssetKey
		if errors.Is(err, asset.ErrMissingKey) {
			code = ErrCodeAssetKeyMissing
		}
		ctx = middleware.SetErrorCode(ctx, code)
		WriteError(w, ctx, http.StatusBadRequest, code, err.Error())
		return
	}

	state, err := h.repo.GetState(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load verification state", "user_id", userID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to check verification")
		return
	}

	if !state.IsVerified() {
		// Denied before any signing call reaches the storage backend.
		if h.metrics != nil {
			h.metrics.IncSignedURLsDenied()
		}
		slog.InfoContext(ctx, "signed URL denied", "user_id", userID, "status", state.Status)
		ctx = middleware.SetErrorCode(ctx, ErrCodeVerificationRequired)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeVerificationRequired, "age verification required")
		return
	}

	ref, err := h.signer.SignedReference(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "failed to sign asset reference", "user_id", userID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeSigningFailed)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeSigningFailed, "failed to sign asset reference")
		return
	}

	if h.metrics != nil {
		h.metrics.IncSignedURLsIssued()
	}

	writeJSON(w, ctx, http.StatusOK, SignedAssetResponse{
		URL:       ref.URL,
		ExpiresIn: int(ref.ExpiresIn.Seconds()),
	})
}
