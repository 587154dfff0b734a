package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nimbusid/rp-broker/storage"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClock is a controllable clock for expiry and staleness tests.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Now()}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// writeJSON writes v as a JSON response body with the JSON content type.
// x/oauth2 falls back to form-encoded parsing without the header.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeOP is a minimal authorization server for tests: discovery, token,
// authorize, and introspection endpoints, with per-endpoint overrides and
// request counters.
type fakeOP struct {
	server *httptest.Server

	mu                 sync.Mutex
	tokenRequests      int
	introspectRequests int
	authorizeRequests  int

	// Overrides; nil uses the default behavior
	tokenHandler      http.HandlerFunc
	authorizeHandler  http.HandlerFunc
	introspectHandler http.HandlerFunc
	jwksHandler       http.HandlerFunc

	tokenCounter int
}

func newFakeOP(t *testing.T) *fakeOP {
	t.Helper()

	op := &fakeOP{}
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 op.server.URL,
			"authorization_endpoint": op.server.URL + "/authorize",
			"token_endpoint":         op.server.URL + "/token",
			"introspection_endpoint": op.server.URL + "/introspect",
			"jwks_uri":               op.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/.well-known/uma2-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 op.server.URL,
			"token_endpoint":         op.server.URL + "/token",
			"introspection_endpoint": op.server.URL + "/introspect",
			"permission_endpoint":    op.server.URL + "/permission",
			"jwks_uri":               op.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		op.mu.Lock()
		op.tokenRequests++
		handler := op.tokenHandler
		op.tokenCounter++
		n := op.tokenCounter
		op.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		_ = r.ParseForm()
		writeJSON(w, map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "bearer",
			"expires_in":   300,
			"scope":        r.Form.Get("scope"),
		})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		op.mu.Lock()
		op.authorizeRequests++
		handler := op.authorizeHandler
		op.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		query := r.URL.Query()
		w.Header().Set("Location", query.Get("redirect_uri")+"?code=auth-code&state="+query.Get("state"))
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		op.mu.Lock()
		op.introspectRequests++
		handler := op.introspectHandler
		op.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		_ = r.ParseForm()
		now := time.Now().Unix()
		writeJSON(w, map[string]any{
			"active":    true,
			"client_id": "test-client",
			"sub":       "test-user",
			"scope":     "openid uma_protection",
			"iat":       now,
			"exp":       now + 300,
		})
	})

	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		op.mu.Lock()
		handler := op.jwksHandler
		op.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	})

	op.server = httptest.NewServer(mux)
	t.Cleanup(op.server.Close)
	return op
}

func (op *fakeOP) setJwksHandler(h http.HandlerFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.jwksHandler = h
}

func (op *fakeOP) setTokenHandler(h http.HandlerFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.tokenHandler = h
}

func (op *fakeOP) setAuthorizeHandler(h http.HandlerFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.authorizeHandler = h
}

func (op *fakeOP) setIntrospectHandler(h http.HandlerFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.introspectHandler = h
}

func (op *fakeOP) tokenCalls() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.tokenRequests
}

func (op *fakeOP) introspectCalls() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.introspectRequests
}

func (op *fakeOP) authorizeCalls() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.authorizeRequests
}

// testRp builds an RP bound to the fake OP.
func testRp(op *fakeOP) *storage.Rp {
	return &storage.Rp{
		ID:           "test-rp",
		OpHost:       op.server.URL,
		RedirectURI:  "https://rp.example.com/callback",
		ClientID:     "test-client",
		ClientSecret: "test-secret",
	}
}
