package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gbrestreamer/gateway/backend/service/auth"
)

// AuthRequired guards API routes with API keys. Non-API paths and the health
// probe pass through, and every route is open while no key is configured.
func AuthRequired(authSvc *auth.Service, apiBase string) func(http.Handler) http.Handler {
	healthPath := apiBase + "/health"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !strings.HasPrefix(path, apiBase+"/") || path == healthPath {
				next.ServeHTTP(w, r)
				return
			}
			if !authSvc.Enabled(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractToken(r)
			if token == "" {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, err := authSvc.Validate(r.Context(), token, r.RemoteAddr); err != nil {
				if errors.Is(err, auth.ErrLockedOut) {
					Error(w, http.StatusTooManyRequests, err.Error())
					return
				}
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractToken reads the key from X-API-Key, a Bearer header, or the api_key
// query parameter used by websocket clients.
func ExtractToken(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("X-API-Key")); raw != "" {
		return raw
	}
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(header, prefix) {
			return strings.TrimSpace(header[len(prefix):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
