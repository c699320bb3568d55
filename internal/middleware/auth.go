// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"net/http"
	"strings"

	"github.com/onnwee/agegate/internal/auth"
)

// Authenticate validates the Bearer token on each request and stores the
// user ID and admin flag in the request context. Requests without a valid
// access token pass through unauthenticated; handlers that require auth
// check for a user ID and respond 401 themselves, so public endpoints
// (webhook ingestion, health) can share the chain.
func Authenticate(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := jwtService.ValidateToken(token)
			if err != nil || claims.Type != auth.TokenTypeAccess {
				// Invalid token is treated as unauthenticated rather
				// than an error here; handlers decide whether auth is
				// required.
				next.ServeHTTP(w, r)
				return
			}

			ctx := SetUserID(r.Context(), claims.Subject)
			ctx = SetAdmin(ctx, claims.Admin)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
