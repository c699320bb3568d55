package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// PersonaConfig holds credentials for the Persona Inquiries API.
type PersonaConfig struct {
	// APIKey is sent as a bearer token on inquiry creation.
	APIKey string

	// WebhookSecret is the shared secret for webhook signatures.
	WebhookSecret string

	// TemplateID selects the inquiry template (flow) for new sessions.
	TemplateID string

	// BaseURL overrides the API base URL (tests).
	BaseURL string
}

const personaDefaultBaseURL = "https://withpersona.com"

// personaSignatureHeader carries "t=<ts>,v1=<hex hmac>" computed over
// "<ts>.<raw body>".
const personaSignatureHeader = "Persona-Signature"

type persona struct {
	cfg         PersonaConfig
	callbackURL string
	client      *http.Client
}

func newPersona(cfg PersonaConfig, callbackURL string, client *http.Client) *persona {
	if cfg.BaseURL == "" {
		cfg.BaseURL = personaDefaultBaseURL
	}
	return &persona{cfg: cfg, callbackURL: callbackURL, client: client}
}

func (p *persona) Name() string { return NamePersona }

func (p *persona) SignatureHeader() string { return personaSignatureHeader }

type personaInquiryRequest struct {
	Data struct {
		Attributes struct {
			InquiryTemplateID string `json:"inquiry-template-id"`
			ReferenceID       string `json:"reference-id"`
			EmailAddress      string `json:"email-address,omitempty"`
			RedirectURI       string `json:"redirect-uri,omitempty"`
		} `json:"attributes"`
	} `json:"data"`
}

type personaInquiryResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CreateSession creates a Persona inquiry and derives the hosted-flow URL.
func (p *persona) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if p.cfg.APIKey == "" || p.cfg.TemplateID == "" {
		return nil, fmt.Errorf("%w: persona api key or template id missing", ErrConfig)
	}

	var body personaInquiryRequest
	body.Data.Attributes.InquiryTemplateID = p.cfg.TemplateID
	body.Data.Attributes.ReferenceID = req.UserID
	body.Data.Attributes.EmailAddress = req.Email

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal persona inquiry request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/v1/inquiries", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build persona inquiry request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: persona: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: persona returned status %d", ErrAPI, resp.StatusCode)
	}

	var inquiryResp personaInquiryResponse
	if err := json.NewDecoder(resp.Body).Decode(&inquiryResp); err != nil {
		return nil, fmt.Errorf("%w: persona: decode response: %v", ErrAPI, err)
	}
	if inquiryResp.Data.ID == "" {
		return nil, fmt.Errorf("%w: persona: response missing inquiry id", ErrAPI)
	}

	return &Session{
		ID:       inquiryResp.Data.ID,
		URL:      p.cfg.BaseURL + "/verify?inquiry-id=" + inquiryResp.Data.ID,
		Provider: NamePersona,
	}, nil
}

// personaWebhook is the event envelope; the inquiry rides inside the event
// payload.
type personaWebhook struct {
	Data struct {
		Attributes struct {
			Payload struct {
				Data struct {
					ID         string `json:"id"`
					Attributes struct {
						Status      string   `json:"status"`
						RiskScore   *float64 `json:"risk-score"`
						FailureNote string   `json:"failure-note"`
					} `json:"attributes"`
				} `json:"data"`
			} `json:"payload"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseWebhookPayload maps Persona inquiry statuses onto the canonical set.
func (p *persona) ParseWebhookPayload(raw []byte) (*Event, error) {
	var hook personaWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	inquiry := hook.Data.Attributes.Payload.Data
	if inquiry.ID == "" || inquiry.Attributes.Status == "" {
		return nil, ErrUnrecognizedPayload
	}

	var status string
	switch inquiry.Attributes.Status {
	case "completed", "approved":
		status = StatusApproved
	case "declined", "failed":
		status = StatusRejected
	default:
		// needs_review, marked-for-review, expired, and unknown statuses.
		status = StatusReview
	}

	return &Event{
		SessionID: inquiry.ID,
		Status:    status,
		RiskScore: inquiry.Attributes.RiskScore,
		Reason:    inquiry.Attributes.FailureNote,
	}, nil
}

// VerifySignature checks the "t=<ts>,v1=<hmac>" header. The HMAC covers
// "<ts>.<raw body>" so the timestamp cannot be swapped out.
func (p *persona) VerifySignature(raw []byte, signatureHeader string) bool {
	if p.cfg.WebhookSecret == "" || signatureHeader == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			v1 = val
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	expected, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(p.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(raw)
	return hmac.Equal(mac.Sum(nil), expected)
}
