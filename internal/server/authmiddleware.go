package server

import (
	"net/http"

	"github.com/tjfontaine/llm-proxier/internal/auth"
)

// AuthMiddleware rejects requests whose Authorization header does not carry the
// proxy API key. Rejected requests never reach next.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := authenticator.AuthenticateRequest(r); err != nil {
				AddError(r.Context(), err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteError(w, r, http.StatusUnauthorized, auth.Detail(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
