package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// AnonymousPrincipal is used when no API keys are configured.
const AnonymousPrincipal = "anonymous"

// Authorizer validates bearer API keys with constant-time comparison.
// With no keys configured every request is accepted as AnonymousPrincipal.
type Authorizer struct {
	keys map[string]string // API key → principal
}

// NewAuthorizer maps each key to a principal named after its position ("key-1", "key-2", ...).
func NewAuthorizer(apiKeys []string) *Authorizer {
	keys := make(map[string]string, len(apiKeys))
	for i, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		keys[k] = fmt.Sprintf("key-%d", i+1)
	}
	return &Authorizer{keys: keys}
}

// Enabled reports whether any API key is configured.
func (a *Authorizer) Enabled() bool { return len(a.keys) > 0 }

// Check validates an Authorization header value and returns the principal.
func (a *Authorizer) Check(header string) (string, bool) {
	if !a.Enabled() {
		return AnonymousPrincipal, true
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")

	principal := ""
	// Every key is compared; no early exit.
	for key, p := range a.keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			principal = p
		}
	}
	return principal, principal != ""
}

// Authorize checks a raw request, accepting the key from the Authorization
// header or a "token" query parameter (browsers cannot set headers on WebSocket upgrades).
func (a *Authorizer) Authorize(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			header = "Bearer " + tok
		}
	}
	_, ok := a.Check(header)
	return ok
}

// rateKey picks the bucket for a request: the principal when authenticated,
// otherwise the first X-Forwarded-For hop, falling back to one shared bucket.
func rateKey(principal, forwardedFor string) string {
	if principal != "" && principal != AnonymousPrincipal {
		return principal
	}
	if hop, _, _ := strings.Cut(forwardedFor, ","); strings.TrimSpace(hop) != "" {
		return strings.TrimSpace(hop)
	}
	return AnonymousPrincipal
}

// limitBody caps request bodies at max bytes.
func limitBody(max int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}
