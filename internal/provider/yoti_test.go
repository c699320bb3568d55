package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func yotiHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestYotiCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Yoti-Auth-Key"); got != "test-api-key" {
			t.Errorf("X-Yoti-Auth-Key = %q", got)
		}

		var body yotiSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.UserTrackingID != "user-1" {
			t.Errorf("user_tracking_id = %q, want user-1", body.UserTrackingID)
		}
		if body.Notifications.Endpoint != "https://api.example.com/verify/webhook" {
			t.Errorf("notifications endpoint = %q", body.Notifications.Endpoint)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"session_id":"yoti-789","session_url":"https://web.yoti.com/session/yoti-789"}`))
	}))
	defer server.Close()

	y := newYoti(YotiConfig{APIKey: "test-api-key", BaseURL: server.URL},
		"https://api.example.com/verify/webhook", server.Client())

	session, err := y.CreateSession(context.Background(), SessionRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ID != "yoti-789" {
		t.Errorf("ID = %q, want yoti-789", session.ID)
	}
	if session.Provider != NameYoti {
		t.Errorf("Provider = %q, want %q", session.Provider, NameYoti)
	}
}

func TestYotiParseWebhookPayload(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantStatus string
		wantErr    bool
	}{
		{
			name:       "approve",
			payload:    `{"session_id":"yoti-1","recommendation":{"value":"APPROVE","score":0.95}}`,
			wantStatus: StatusApproved,
		},
		{
			name:       "reject",
			payload:    `{"session_id":"yoti-1","recommendation":{"value":"REJECT","reason":"face mismatch"}}`,
			wantStatus: StatusRejected,
		},
		{
			name:       "not available goes to review",
			payload:    `{"session_id":"yoti-1","recommendation":{"value":"NOT_AVAILABLE"}}`,
			wantStatus: StatusReview,
		},
		{
			name:       "unknown value never approves",
			payload:    `{"session_id":"yoti-1","recommendation":{"value":"FUTURE_VALUE"}}`,
			wantStatus: StatusReview,
		},
		{
			name:    "missing recommendation",
			payload: `{"session_id":"yoti-1"}`,
			wantErr: true,
		},
	}

	y := newYoti(YotiConfig{APIKey: "key"}, "", http.DefaultClient)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := y.ParseWebhookPayload([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrUnrecognizedPayload) {
					t.Errorf("err = %v, want ErrUnrecognizedPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWebhookPayload: %v", err)
			}
			if event.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", event.Status, tt.wantStatus)
			}
		})
	}
}

func TestYotiVerifySignature(t *testing.T) {
	body := []byte(`{"session_id":"yoti-1","recommendation":{"value":"APPROVE"}}`)
	y := newYoti(YotiConfig{WebhookSecret: "topsecret"}, "", http.DefaultClient)

	if !y.VerifySignature(body, yotiHMAC("topsecret", body)) {
		t.Error("valid signature rejected")
	}
	if y.VerifySignature(body, yotiHMAC("wrong", body)) {
		t.Error("signature with wrong secret accepted")
	}
	if y.VerifySignature(body, "%%%not-base64") {
		t.Error("malformed signature accepted")
	}
	if y.VerifySignature(body, "") {
		t.Error("empty signature accepted")
	}
}
