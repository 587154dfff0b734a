package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/nimbusid/rp-broker/storage/memory"
)

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("New(nil store) = nil, want error")
	}
}

func TestBroker_GetPatEndToEnd(t *testing.T) {
	op := newFakeOP(t)
	clock := newMockClock()

	store := memory.New()
	b, err := New(store, Config{
		AllowedOpHosts: []string{op.server.URL},
		Logger:         testLogger(t),
		Clock:          clock,
		RateLimit:      RateLimitConfig{Rate: -1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	rp := testRp(op)
	if _, err := b.Registry().Create(ctx, rp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// First call acquires a fresh PAT via discovery + token endpoint
	pat, err := b.GetPat(ctx, rp.ID)
	if err != nil {
		t.Fatalf("GetPat() error = %v", err)
	}
	if pat.Token == "" {
		t.Fatal("empty PAT")
	}
	if op.tokenCalls() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", op.tokenCalls())
	}

	// Second call reuses the cached credential
	again, err := b.GetPat(ctx, rp.ID)
	if err != nil {
		t.Fatalf("GetPat() second call error = %v", err)
	}
	if again.Token != pat.Token {
		t.Error("second call did not reuse the PAT")
	}
	if op.tokenCalls() != 1 {
		t.Errorf("token endpoint calls = %d, want still 1", op.tokenCalls())
	}

	// Expiry forces a fresh acquisition
	clock.Advance(10 * time.Minute)
	refreshed, err := b.GetPat(ctx, rp.ID)
	if err != nil {
		t.Fatalf("GetPat() after expiry error = %v", err)
	}
	if refreshed.Token == pat.Token {
		t.Error("expired PAT was reused")
	}
	if op.tokenCalls() != 2 {
		t.Errorf("token endpoint calls = %d, want 2", op.tokenCalls())
	}

	persisted, err := store.Load(ctx, rp.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persisted.Pat == nil || persisted.Pat.Token != refreshed.Token {
		t.Error("refreshed PAT was not persisted")
	}
}

func TestBroker_GetPatRestrictedOpHost(t *testing.T) {
	op := newFakeOP(t)
	clock := newMockClock()

	b, err := New(memory.New(), Config{
		AllowedOpHosts: []string{"https://only.example.com"},
		Logger:         testLogger(t),
		Clock:          clock,
		RateLimit:      RateLimitConfig{Rate: -1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rp := testRp(op)
	_, err = b.Registry().Create(context.Background(), rp)
	if err == nil {
		t.Fatal("Create() = nil, want restricted host rejection")
	}
	if code := codeOf(t, err); code != CodeRestrictedOpHost {
		t.Errorf("code = %q, want %q", code, CodeRestrictedOpHost)
	}
}

func TestBroker_ValidateAccessToken(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		token    string
		wantCode string
	}{
		{
			name:  "active token with required scope",
			token: "good-token",
		},
		{
			name:     "blank token",
			token:    "",
			wantCode: CodeInvalidAccessToken,
		},
		{
			name:  "inactive token",
			token: "revoked-token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"active": false})
			},
			wantCode: CodeInvalidAccessToken,
		},
		{
			name:  "active token without client id",
			token: "orphan-token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{
					"active": true,
					"sub":    "user",
					"scope":  "uma_protection",
				})
			},
			wantCode: CodeNoClientIDInIntrospection,
		},
		{
			name:  "active token issued to a different client",
			token: "foreign-token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{
					"active":    true,
					"client_id": "some-other-client",
					"sub":       "user",
					"scope":     "openid uma_protection",
				})
			},
			wantCode: CodeInvalidAccessToken,
		},
		{
			name:  "active token expired beyond clock skew",
			token: "stale-token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{
					"active":    true,
					"client_id": "test-client",
					"sub":       "user",
					"scope":     "openid uma_protection",
					"exp":       time.Now().Add(-time.Minute).Unix(),
				})
			},
			wantCode: CodeInvalidAccessToken,
		},
		{
			name:  "active token without required scope",
			token: "weak-token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{
					"active":    true,
					"client_id": "test-client",
					"sub":       "user",
					"scope":     "openid",
				})
			},
			wantCode: CodeInsufficientScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := newFakeOP(t)
			if tt.handler != nil {
				op.setIntrospectHandler(tt.handler)
			}
			clock := newMockClock()
			b, _ := newTestBroker(t, op, clock)
			ctx := context.Background()

			rp := testRp(op)
			if _, err := b.Registry().Create(ctx, rp); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			result, err := b.ValidateAccessToken(ctx, rp.ID, tt.token)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("ValidateAccessToken() error = %v", err)
				}
				if !result.Active {
					t.Error("Active = false")
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateAccessToken() = nil, want code %q", tt.wantCode)
			}
			if code := codeOf(t, err); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestBroker_GetSigningKey(t *testing.T) {
	op := newFakeOP(t)

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	key, err := jwk.FromRaw(private.PublicKey)
	if err != nil {
		t.Fatalf("building JWK: %v", err)
	}
	_ = key.Set(jwk.KeyIDKey, "op-key-1")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	_ = set.AddKey(key)

	op.setJwksHandler(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, set)
	})

	clock := newMockClock()
	b, _ := newTestBroker(t, op, clock)
	ctx := context.Background()

	rp := testRp(op)
	if _, err := b.Registry().Create(ctx, rp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := b.GetSigningKey(ctx, rp.ID, "op-key-1", "RS256", "sig")
	if err != nil {
		t.Fatalf("GetSigningKey() error = %v", err)
	}
	if got.KeyID() != "op-key-1" {
		t.Errorf("KeyID = %q", got.KeyID())
	}

	// Unknown key surfaces a typed error
	_, err = b.GetSigningKey(ctx, rp.ID, "missing", "RS256", "sig")
	if err == nil {
		t.Fatal("GetSigningKey(missing) = nil, want error")
	}
	if code := codeOf(t, err); code != CodeNoMatchingKey {
		t.Errorf("code = %q, want %q", code, CodeNoMatchingKey)
	}
}

func TestBroker_SetAllowedOpHosts(t *testing.T) {
	op := newFakeOP(t)
	clock := newMockClock()
	b, _ := newTestBroker(t, op, clock)
	ctx := context.Background()

	rp := testRp(op)
	if _, err := b.Registry().Create(ctx, rp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	b.SetAllowedOpHosts([]string{"https://only.example.com"})

	_, err := b.GetPat(ctx, rp.ID)
	if err == nil {
		t.Fatal("GetPat() = nil, want restricted host after allow-list change")
	}
	if code := codeOf(t, err); code != CodeRestrictedOpHost {
		t.Errorf("code = %q, want %q", code, CodeRestrictedOpHost)
	}
}
