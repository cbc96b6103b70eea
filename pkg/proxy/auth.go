package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authScheme is how the caller presented their admission credential. The
// same scheme is reused when injecting the upstream credential.
type authScheme int

const (
	schemeNone authScheme = iota
	schemeBearer
	schemeXAPIKey
	schemeGoogAPIKey
)

const (
	headerAuthorization = "Authorization"
	headerXAPIKey       = "X-Api-Key"
	headerGoogAPIKey    = "X-Goog-Api-Key"
)

func bearerToken(h http.Header) string {
	auth := h.Get(headerAuthorization)
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// callerCredential extracts the admission credential and the scheme it was
// carried under. X-API-Key wins over Authorization when both are present.
func callerCredential(h http.Header) (string, authScheme) {
	if v := strings.TrimSpace(h.Get(headerXAPIKey)); v != "" {
		return v, schemeXAPIKey
	}
	if v := strings.TrimSpace(h.Get(headerGoogAPIKey)); v != "" {
		return v, schemeGoogAPIKey
	}
	if v := bearerToken(h); v != "" {
		return v, schemeBearer
	}
	return "", schemeNone
}

func credentialAllowed(token, localKey string) bool {
	if token == "" || localKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(localKey)) == 1
}

// authMiddleware rejects requests whose admission credential does not match
// the configured local key. The local key itself never travels upstream.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := callerCredential(r.Header)
		if !credentialAllowed(token, s.store.Snapshot().APIKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
