package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestCORS_WithRequestID runs CORS inside the RequestID wrapper the way the
// server chain does, so rejected origins still get traceable responses.
func TestCORS_WithRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	wrapped := RequestID(CORS(corsTestConfig())(handler))

	t.Run("preflight carries request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/verify/start", nil)
		req.Header.Set("Origin", "https://app.agegate.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusNoContent)
		}
		if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.agegate.example" {
			t.Errorf("Access-Control-Allow-Origin = %q, want https://app.agegate.example", origin)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header to be set")
		}
	})

	t.Run("actual request passes both layers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/verify/status", nil)
		req.Header.Set("Origin", "https://app.agegate.example")
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
		}
		if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.agegate.example" {
			t.Errorf("Access-Control-Allow-Origin = %q, want https://app.agegate.example", origin)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header to be set")
		}
		if body := rr.Body.String(); body != "OK" {
			t.Errorf("body = %q, want OK", body)
		}
	})

	t.Run("rejected origin never reaches the handler but keeps its request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/verify/status", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header even for rejected requests")
		}
		if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "" {
			t.Errorf("expected no CORS headers for rejected origin, got: %s", origin)
		}
	})
}
