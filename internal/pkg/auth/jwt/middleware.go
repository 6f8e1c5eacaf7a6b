package jwt

import (
	"context"
	"net/http"
	"strings"

	"recoverychat/internal/pkg/logx"
)

type contextKey string

// ContextAuthPayloadKey stores the verified *Payload in the request context.
const ContextAuthPayloadKey contextKey = "auth_payload"

// tokenFromRequest reads a bearer token from the Authorization header, falling back to
// the "token" query parameter because browsers cannot set headers on websocket upgrades.
func tokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// IdentityExtractorMiddleware verifies an identity token if one is present and stores the
// payload in the request context. Missing or invalid tokens never abort the request: the
// caller is treated as anonymous.
func IdentityExtractorMiddleware(secretKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromRequest(r)
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			payload, err := ParseToken(tokenString, secretKey)
			if err != nil {
				logx.Warn("Invalid or expired identity token, treating as anonymous", "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), ContextAuthPayloadKey, payload)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPayloadFromContext returns the verified payload, or nil for anonymous callers.
func GetPayloadFromContext(r *http.Request) *Payload {
	payload, ok := r.Context().Value(ContextAuthPayloadKey).(*Payload)
	if !ok {
		return nil
	}
	return payload
}
