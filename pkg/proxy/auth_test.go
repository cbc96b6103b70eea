package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCallerCredential(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		token   string
		scheme  authScheme
	}{
		{"none", nil, "", schemeNone},
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc", schemeBearer},
		{"bearer case insensitive", map[string]string{"Authorization": "bearer abc"}, "abc", schemeBearer},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, "", schemeNone},
		{"x-api-key", map[string]string{"X-Api-Key": "k1"}, "k1", schemeXAPIKey},
		{"goog", map[string]string{"X-Goog-Api-Key": "g1"}, "g1", schemeGoogAPIKey},
		{
			"x-api-key wins over bearer",
			map[string]string{"X-Api-Key": "k1", "Authorization": "Bearer abc"},
			"k1", schemeXAPIKey,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			token, scheme := callerCredential(h)
			if token != tc.token || scheme != tc.scheme {
				t.Fatalf("got (%q, %d), want (%q, %d)", token, scheme, tc.token, tc.scheme)
			}
		})
	}
}

func TestCredentialAllowed(t *testing.T) {
	if credentialAllowed("", "key") {
		t.Fatal("empty token accepted")
	}
	if credentialAllowed("key", "") {
		t.Fatal("empty local key accepted")
	}
	if credentialAllowed("wrong", "key") {
		t.Fatal("mismatch accepted")
	}
	if !credentialAllowed("key", "key") {
		t.Fatal("match rejected")
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	up := jsonUpstream(t, http.StatusOK, `{}`)
	s := newGateway(t, gatewayConfig(anyModelProvider("p", up.srv.URL, 1)))

	for _, mutate := range []func(*http.Request){
		func(r *http.Request) { r.Header.Del("Authorization") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong-key") },
		func(r *http.Request) {
			r.Header.Del("Authorization")
			r.Header.Set("X-Api-Key", "wrong-key")
		},
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
		req.Header.Set("Authorization", "Bearer "+testLocalKey)
		mutate(req)
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if got := strings.TrimSpace(w.Body.String()); got != `{"detail":"invalid api key"}` {
			t.Fatalf("body = %q", got)
		}
	}
	if up.callCount() != 0 {
		t.Fatal("rejected requests must not reach upstream")
	}
}
