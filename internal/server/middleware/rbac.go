package middleware

import (
	"net/http"

	"github.com/gosuda/bastion/internal/auth"
)

// RoleAdmin is the only role the operator endpoints accept.
const RoleAdmin = auth.RoleAdmin

// RequireRole returns middleware that checks if the authenticated principal
// has one of the allowed roles. It must be chained after Auth.
//
// Returns 401 when no role is in context and 403 when the role does not
// match.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok || role == "" {
				writeJSONError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if _, match := allowed[role]; !match {
				writeJSONError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin is a convenience wrapper for RequireRole(RoleAdmin).
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(RoleAdmin)
}
