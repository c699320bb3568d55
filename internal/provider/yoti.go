package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// YotiConfig holds credentials for the Yoti identity verification API.
type YotiConfig struct {
	// APIKey authenticates session creation calls.
	APIKey string

	// WebhookSecret is the shared secret for webhook signatures.
	WebhookSecret string

	// BaseURL overrides the API base URL (tests).
	BaseURL string
}

const yotiDefaultBaseURL = "https://api.yoti.com/idverify/v1"

// yotiSignatureHeader carries a base64-encoded HMAC-SHA256 of the raw payload.
const yotiSignatureHeader = "X-Yoti-Signature"

type yoti struct {
	cfg         YotiConfig
	callbackURL string
	client      *http.Client
}

func newYoti(cfg YotiConfig, callbackURL string, client *http.Client) *yoti {
	if cfg.BaseURL == "" {
		cfg.BaseURL = yotiDefaultBaseURL
	}
	return &yoti{cfg: cfg, callbackURL: callbackURL, client: client}
}

func (y *yoti) Name() string { return NameYoti }

func (y *yoti) SignatureHeader() string { return yotiSignatureHeader }

type yotiSessionRequest struct {
	UserTrackingID string `json:"user_tracking_id"`
	Notifications  struct {
		Endpoint string   `json:"endpoint"`
		Topics   []string `json:"topics"`
	} `json:"notifications"`
}

type yotiSessionResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// CreateSession creates a Yoti identity verification session.
func (y *yoti) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if y.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: yoti api key missing", ErrConfig)
	}

	var body yotiSessionRequest
	body.UserTrackingID = req.UserID
	body.Notifications.Endpoint = y.callbackURL
	body.Notifications.Topics = []string{"session_completion"}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal yoti session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, y.cfg.BaseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build yoti session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Yoti-Auth-Key", y.cfg.APIKey)

	resp, err := y.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: yoti: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: yoti returned status %d", ErrAPI, resp.StatusCode)
	}

	var sessionResp yotiSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessionResp); err != nil {
		return nil, fmt.Errorf("%w: yoti: decode response: %v", ErrAPI, err)
	}
	if sessionResp.SessionID == "" {
		return nil, fmt.Errorf("%w: yoti: response missing session id", ErrAPI)
	}

	return &Session{
		ID:       sessionResp.SessionID,
		URL:      sessionResp.SessionURL,
		Provider: NameYoti,
	}, nil
}

type yotiWebhook struct {
	SessionID      string `json:"session_id"`
	Recommendation *struct {
		Value  string   `json:"value"`
		Score  *float64 `json:"score"`
		Reason string   `json:"reason"`
	} `json:"recommendation"`
}

// ParseWebhookPayload maps Yoti recommendation values onto the canonical set.
func (y *yoti) ParseWebhookPayload(raw []byte) (*Event, error) {
	var hook yotiWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if hook.SessionID == "" || hook.Recommendation == nil || hook.Recommendation.Value == "" {
		return nil, ErrUnrecognizedPayload
	}

	var status string
	switch hook.Recommendation.Value {
	case "APPROVE":
		status = StatusApproved
	case "REJECT":
		status = StatusRejected
	default:
		// NOT_AVAILABLE and any new recommendation value.
		status = StatusReview
	}

	return &Event{
		SessionID: hook.SessionID,
		Status:    status,
		RiskScore: hook.Recommendation.Score,
		Reason:    hook.Recommendation.Reason,
	}, nil
}

// VerifySignature checks the base64-encoded HMAC-SHA256 of the raw payload.
func (y *yoti) VerifySignature(raw []byte, signatureHeader string) bool {
	if y.cfg.WebhookSecret == "" || signatureHeader == "" {
		return false
	}

	expected, err := base64.StdEncoding.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(y.cfg.WebhookSecret))
	mac.Write(raw)
	return hmac.Equal(mac.Sum(nil), expected)
}
