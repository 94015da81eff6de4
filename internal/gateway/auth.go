package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the bearer token on a request. An empty configured token
// means the gateway was misconfigured; everything is rejected rather than
// falling open.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := extractBearerToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// extractBearerToken pulls the token from the Authorization header, or from
// the access_token query param for websocket clients that cannot set headers.
func extractBearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return r.URL.Query().Get("access_token")
}
