package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthorizer_Check(t *testing.T) {
	auth := NewAuthorizer([]string{"alpha", " ", "beta"})

	tests := []struct {
		name          string
		auth          *Authorizer
		header        string
		wantPrincipal string
		wantOK        bool
	}{
		{"no keys accepts anonymous", NewAuthorizer(nil), "", AnonymousPrincipal, true},
		{"missing header", auth, "", "", false},
		{"missing bearer prefix", auth, "alpha", "", false},
		{"wrong key", auth, "Bearer gamma", "", false},
		{"first key", auth, "Bearer alpha", "key-1", true},
		{"third key keeps its position", auth, "Bearer beta", "key-3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := tt.auth.Check(tt.header)
			if ok != tt.wantOK || p != tt.wantPrincipal {
				t.Errorf("Check(%q) = (%q, %v), want (%q, %v)", tt.header, p, ok, tt.wantPrincipal, tt.wantOK)
			}
		})
	}
	if !auth.Enabled() || NewAuthorizer([]string{""}).Enabled() {
		t.Error("Enabled should reflect non-empty keys")
	}
}

func TestAuthorizer_Authorize(t *testing.T) {
	auth := NewAuthorizer([]string{"secret"})

	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{"header", "/ws", "Bearer secret", true},
		{"query token", "/ws?token=secret", "", true},
		{"wrong query token", "/ws?token=nope", "", false},
		{"header wins over query", "/ws?token=secret", "Bearer nope", false},
		{"nothing", "/ws", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := auth.Authorize(r); got != tt.want {
				t.Errorf("Authorize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateKey(t *testing.T) {
	tests := []struct {
		principal, forwarded, want string
	}{
		{"key-1", "10.0.0.1", "key-1"},
		{AnonymousPrincipal, "10.0.0.1, 10.0.0.2", "10.0.0.1"},
		{"", " 192.168.1.5 ", "192.168.1.5"},
		{"", "", AnonymousPrincipal},
	}
	for _, tt := range tests {
		if got := rateKey(tt.principal, tt.forwarded); got != tt.want {
			t.Errorf("rateKey(%q, %q) = %q, want %q", tt.principal, tt.forwarded, got, tt.want)
		}
	}
}

func TestLimitBody(t *testing.T) {
	h := limitBody(8, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		body string
		want int
	}{
		{"small", http.StatusOK},
		{strings.Repeat("x", 64), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(tt.body)))
		if rec.Code != tt.want {
			t.Errorf("body of %d bytes: status = %d, want %d", len(tt.body), rec.Code, tt.want)
		}
	}
}
