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
)

// VeriffConfig holds credentials for the Veriff Station API.
type VeriffConfig struct {
	// APIKey is sent as the X-AUTH-CLIENT header on session creation.
	APIKey string

	// WebhookSecret is the shared secret for webhook HMAC signatures.
	WebhookSecret string

	// BaseURL overrides the API base URL (tests). Defaults to the
	// production Station API.
	BaseURL string
}

const veriffDefaultBaseURL = "https://stationapi.veriff.com"

// veriffSignatureHeader carries a hex-encoded HMAC-SHA256 of the raw payload.
const veriffSignatureHeader = "X-HMAC-SIGNATURE"

type veriff struct {
	cfg         VeriffConfig
	callbackURL string
	client      *http.Client
}

func newVeriff(cfg VeriffConfig, callbackURL string, client *http.Client) *veriff {
	if cfg.BaseURL == "" {
		cfg.BaseURL = veriffDefaultBaseURL
	}
	return &veriff{cfg: cfg, callbackURL: callbackURL, client: client}
}

func (v *veriff) Name() string { return NameVeriff }

func (v *veriff) SignatureHeader() string { return veriffSignatureHeader }

// veriffSessionRequest is the Station API session creation body. VendorData
// carries our user ID for post-hoc correlation in support tooling; webhook
// matching itself keys on the session ID.
type veriffSessionRequest struct {
	Verification struct {
		Callback   string `json:"callback"`
		VendorData string `json:"vendorData"`
		Person     struct {
			Email string `json:"email,omitempty"`
		} `json:"person"`
	} `json:"verification"`
}

type veriffSessionResponse struct {
	Status       string `json:"status"`
	Verification struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"verification"`
}

// CreateSession creates a Veriff verification session.
func (v *veriff) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if v.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: veriff api key missing", ErrConfig)
	}

	var body veriffSessionRequest
	body.Verification.Callback = v.callbackURL
	body.Verification.VendorData = req.UserID
	body.Verification.Person.Email = req.Email

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal veriff session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build veriff session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-AUTH-CLIENT", v.cfg.APIKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: veriff: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: veriff returned status %d", ErrAPI, resp.StatusCode)
	}

	var sessionResp veriffSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessionResp); err != nil {
		return nil, fmt.Errorf("%w: veriff: decode response: %v", ErrAPI, err)
	}
	if sessionResp.Verification.ID == "" || sessionResp.Verification.URL == "" {
		return nil, fmt.Errorf("%w: veriff: response missing session id or url", ErrAPI)
	}

	return &Session{
		ID:       sessionResp.Verification.ID,
		URL:      sessionResp.Verification.URL,
		Provider: NameVeriff,
	}, nil
}

// veriffDecision is the decision webhook shape.
type veriffDecision struct {
	Verification *struct {
		ID        string   `json:"id"`
		Status    string   `json:"status"`
		RiskScore *float64 `json:"riskScore"`
		Reason    string   `json:"reason"`
	} `json:"verification"`
}

// ParseWebhookPayload maps Veriff decision statuses onto the canonical set.
// Anything other than an explicit approval or decline goes to review; an
// unknown status must never default to approved.
func (v *veriff) ParseWebhookPayload(raw []byte) (*Event, error) {
	var decision veriffDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if decision.Verification == nil || decision.Verification.ID == "" || decision.Verification.Status == "" {
		return nil, ErrUnrecognizedPayload
	}

	var status string
	switch decision.Verification.Status {
	case "approved":
		status = StatusApproved
	case "declined":
		status = StatusRejected
	default:
		// resubmission_requested, review, expired, abandoned, and any
		// status added by Veriff later all land in manual review.
		status = StatusReview
	}

	return &Event{
		SessionID: decision.Verification.ID,
		Status:    status,
		RiskScore: decision.Verification.RiskScore,
		Reason:    decision.Verification.Reason,
	}, nil
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw payload.
func (v *veriff) VerifySignature(raw []byte, signatureHeader string) bool {
	if v.cfg.WebhookSecret == "" || signatureHeader == "" {
		return false
	}

	expected, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(v.cfg.WebhookSecret))
	mac.Write(raw)
	return hmac.Equal(mac.Sum(nil), expected)
}
