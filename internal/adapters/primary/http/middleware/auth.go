package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/lorrc/sync-engine/internal/core/domain"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/infrastructure/logging"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PrincipalKey is the key used to store the authenticated principal in the request context.
const PrincipalKey contextKey = "principal"

// JWTMiddleware validates the bearer token from the Authorization header
// and stores the resulting principal in the request context.
func JWTMiddleware(authn ports.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "Authorization header is required")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "Authorization header format must be Bearer {token}")
				return
			}

			principal, err := authn.Authenticate(r.Context(), parts[1])
			if err != nil {
				writeUnauthorized(w, "Invalid or expired token")
				return
			}

			// Add the principal to the context for downstream handlers to use.
			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			ctx = logging.WithTenantID(ctx, principal.TenantID.String())
			ctx = logging.WithUserID(ctx, principal.UserID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the principal stored by JWTMiddleware.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(PrincipalKey).(domain.Principal)
	return principal, ok
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `","code":"UNAUTHORIZED"}`))
}
