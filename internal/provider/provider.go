// Package provider hides identity-provider wire formats behind a small
// capability set: create a remote verification session, verify a webhook
// signature, and normalize a webhook payload into a canonical event. The
// rest of the system depends only on the canonical shapes defined here.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider names recognized in configuration and webhook headers.
const (
	NameVeriff  = "veriff"
	NamePersona = "persona"
	NameYoti    = "yoti"
)

// Canonical verification outcomes. Every provider status string maps onto
// exactly one of these three values.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusReview   = "review"
)

var (
	// ErrConfig is returned when required provider credentials or
	// configuration are absent.
	ErrConfig = errors.New("provider configuration incomplete")

	// ErrAPI is returned when a remote provider call does not succeed,
	// including timeouts.
	ErrAPI = errors.New("provider API call failed")

	// ErrUnrecognizedPayload is returned when a webhook payload is missing
	// the fields needed to identify the session or outcome.
	ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")

	// ErrUnknownProvider is returned when a provider name has no adapter.
	ErrUnknownProvider = errors.New("unknown verification provider")
)

// Session is the canonical result of creating a remote verification session.
type Session struct {
	ID       string
	URL      string
	Provider string
}

// Event is the canonical, provider-agnostic webhook event.
type Event struct {
	SessionID string
	Status    string // one of StatusApproved, StatusRejected, StatusReview
	RiskScore *float64
	Reason    string
}

// SessionRequest carries the identity metadata for a new remote session.
// UserID travels in the provider's vendor/reference field and comes back in
// webhooks only via the session ID correlation, never for authorization.
type SessionRequest struct {
	UserID string
	Email  string
}

// Provider is the capability set implemented once per identity provider.
type Provider interface {
	// Name returns the provider identifier (e.g. "veriff").
	Name() string

	// CreateSession creates a remote verification session for the user.
	// Returns an error wrapping ErrConfig if credentials are missing, or
	// ErrAPI if the remote call fails.
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)

	// ParseWebhookPayload maps a raw provider payload onto a canonical
	// Event. Unknown provider status strings map to StatusReview, never
	// StatusApproved. Returns ErrUnrecognizedPayload when the payload
	// shape is missing required identifying fields.
	ParseWebhookPayload(raw []byte) (*Event, error)

	// VerifySignature validates the provider's signature header against
	// the raw, unparsed payload bytes. A missing webhook secret makes
	// this return false, never true.
	VerifySignature(raw []byte, signatureHeader string) bool

	// SignatureHeader returns the HTTP header name carrying the
	// provider's webhook signature.
	SignatureHeader() string
}

// Config holds credentials and settings for all supported providers plus the
// selection of which one is active.
type Config struct {
	// Active is the configured provider name used for new sessions.
	Active string

	// CallbackURL is the absolute URL of the webhook ingestion endpoint,
	// passed to providers at session creation.
	CallbackURL string

	Veriff  VeriffConfig
	Persona PersonaConfig
	Yoti    YotiConfig

	// HTTPClient overrides the client used for provider API calls.
	// Defaults to a client with a bounded timeout.
	HTTPClient *http.Client
}

// defaultHTTPClient bounds provider API calls so a hung provider surfaces as
// ErrAPI instead of a silent pending state with no remote session.
var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// Registry holds the constructed adapters for all providers that have
// credentials configured, plus the active one used for session creation.
type Registry struct {
	providers map[string]Provider
	active    string
}

// NewRegistry builds adapters for every provider with credentials present.
// The active provider must be fully configured; other providers are included
// opportunistically so their webhooks can still be verified during a
// provider migration.
func NewRegistry(cfg Config) (*Registry, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}

	providers := make(map[string]Provider)
	if cfg.Veriff.APIKey != "" || cfg.Veriff.WebhookSecret != "" {
		providers[NameVeriff] = newVeriff(cfg.Veriff, cfg.CallbackURL, client)
	}
	if cfg.Persona.APIKey != "" || cfg.Persona.WebhookSecret != "" {
		providers[NamePersona] = newPersona(cfg.Persona, cfg.CallbackURL, client)
	}
	if cfg.Yoti.APIKey != "" || cfg.Yoti.WebhookSecret != "" {
		providers[NameYoti] = newYoti(cfg.Yoti, cfg.CallbackURL, client)
	}

	if cfg.Active == "" {
		return nil, fmt.Errorf("%w: no provider selected", ErrConfig)
	}
	if _, ok := providers[cfg.Active]; !ok {
		return nil, fmt.Errorf("%w: provider %q selected but not configured", ErrConfig, cfg.Active)
	}

	return &Registry{providers: providers, active: cfg.Active}, nil
}

// Active returns the provider configured for new session creation.
func (r *Registry) Active() Provider {
	return r.providers[r.active]
}

// Get returns the adapter for a named provider. The name is typically taken
// from a provider-advertised header, which only selects the verification
// algorithm; trust comes from the signature check itself.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}
