package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func veriffHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVeriffCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-AUTH-CLIENT"); got != "test-api-key" {
			t.Errorf("X-AUTH-CLIENT = %q, want test-api-key", got)
		}

		var body veriffSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Verification.VendorData != "user-1" {
			t.Errorf("vendorData = %q, want user-1", body.Verification.VendorData)
		}
		if body.Verification.Callback != "https://api.example.com/verify/webhook" {
			t.Errorf("callback = %q", body.Verification.Callback)
		}
		if body.Verification.Person.Email != "user@example.com" {
			t.Errorf("email = %q", body.Verification.Person.Email)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"success","verification":{"id":"sess-123","url":"https://alchemy.veriff.com/v/sess-123"}}`))
	}))
	defer server.Close()

	v := newVeriff(VeriffConfig{APIKey: "test-api-key", BaseURL: server.URL},
		"https://api.example.com/verify/webhook", server.Client())

	session, err := v.CreateSession(context.Background(), SessionRequest{UserID: "user-1", Email: "user@example.com"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ID != "sess-123" {
		t.Errorf("ID = %q, want sess-123", session.ID)
	}
	if session.Provider != NameVeriff {
		t.Errorf("Provider = %q, want %q", session.Provider, NameVeriff)
	}
}

func TestVeriffCreateSessionAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	v := newVeriff(VeriffConfig{APIKey: "key", BaseURL: server.URL}, "https://cb.example.com", server.Client())

	_, err := v.CreateSession(context.Background(), SessionRequest{UserID: "user-1"})
	if !errors.Is(err, ErrAPI) {
		t.Errorf("err = %v, want ErrAPI", err)
	}
}

func TestVeriffCreateSessionMissingKey(t *testing.T) {
	v := newVeriff(VeriffConfig{}, "https://cb.example.com", http.DefaultClient)

	_, err := v.CreateSession(context.Background(), SessionRequest{UserID: "user-1"})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestVeriffParseWebhookPayload(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantStatus string
		wantErr    bool
	}{
		{
			name:       "approved",
			payload:    `{"verification":{"id":"sess-1","status":"approved","riskScore":0.1}}`,
			wantStatus: StatusApproved,
		},
		{
			name:       "declined",
			payload:    `{"verification":{"id":"sess-1","status":"declined","reason":"document expired"}}`,
			wantStatus: StatusRejected,
		},
		{
			name:       "resubmission goes to review",
			payload:    `{"verification":{"id":"sess-1","status":"resubmission_requested"}}`,
			wantStatus: StatusReview,
		},
		{
			name:       "unknown status never approves",
			payload:    `{"verification":{"id":"sess-1","status":"some_future_status"}}`,
			wantStatus: StatusReview,
		},
		{
			name:    "missing verification block",
			payload: `{"unrelated":true}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `not json at all`,
			wantErr: true,
		},
	}

	v := newVeriff(VeriffConfig{APIKey: "key"}, "", http.DefaultClient)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := v.ParseWebhookPayload([]byte(tt.payload))
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
			if event.SessionID != "sess-1" {
				t.Errorf("SessionID = %q, want sess-1", event.SessionID)
			}
		})
	}
}

func TestVeriffVerifySignature(t *testing.T) {
	body := []byte(`{"verification":{"id":"sess-1","status":"approved"}}`)
	v := newVeriff(VeriffConfig{WebhookSecret: "topsecret"}, "", http.DefaultClient)

	if !v.VerifySignature(body, veriffHMAC("topsecret", body)) {
		t.Error("valid signature rejected")
	}
	if v.VerifySignature(body, veriffHMAC("wrongsecret", body)) {
		t.Error("signature with wrong secret accepted")
	}
	if v.VerifySignature(body, "") {
		t.Error("empty signature accepted")
	}
	if v.VerifySignature(body, "not-hex!") {
		t.Error("malformed signature accepted")
	}
	if v.VerifySignature([]byte("tampered"), veriffHMAC("topsecret", body)) {
		t.Error("signature over different body accepted")
	}

	noSecret := newVeriff(VeriffConfig{}, "", http.DefaultClient)
	if noSecret.VerifySignature(body, veriffHMAC("topsecret", body)) {
		t.Error("signature accepted with no secret configured")
	}
}
