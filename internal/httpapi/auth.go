package httpapi

import (
	"net/http"
	"strings"
)

// apiKeyFromRequest extracts the client's API key. Sources in priority
// order: X-API-Key header, Authorization bearer token, and for GET
// requests the api_key query parameter.
func apiKeyFromRequest(req *http.Request) string {
	if key := req.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if req.Method == http.MethodGet {
		return req.URL.Query().Get("api_key")
	}
	return ""
}

// withAuth is middleware that requires the configured API key. With no
// key configured the service runs in open mode.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.APIKey == "" {
			next.ServeHTTP(w, req)
			return
		}
		if apiKeyFromRequest(req) != r.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}
		next.ServeHTTP(w, req)
	}
}
