package broker

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nimbusid/rp-broker/discovery"
	"github.com/nimbusid/rp-broker/storage/memory"
)

func newTestIntrospectionService(t *testing.T, clock *mockClock) (*IntrospectionService, *Registry) {
	t.Helper()
	store := memory.New()
	registry := NewRegistry(store, NewValidator(nil), time.Hour, testLogger(t), clock)
	disc := discovery.New(discovery.Options{Logger: testLogger(t)})
	tokens := NewTokenService(registry, disc, http.DefaultClient, TokenServiceOptions{
		UseClientAuthForPat: true,
		Rate:                -1,
		Logger:              testLogger(t),
		Clock:               clock,
	})
	svc := NewIntrospectionService(registry, disc, tokens, http.DefaultClient, testLogger(t), clock, nil)
	return svc, registry
}

func TestIntrospectionService_IntrospectToken(t *testing.T) {
	op := newFakeOP(t)
	clock := newMockClock()
	svc, registry := newTestIntrospectionService(t, clock)
	ctx := context.Background()

	rp := testRp(op)
	if _, err := registry.Create(ctx, rp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := svc.IntrospectToken(ctx, rp.ID, "some-access-token")
	if err != nil {
		t.Fatalf("IntrospectToken() error = %v", err)
	}
	if !result.Active {
		t.Error("Active = false")
	}
	if result.ClientID != "test-client" {
		t.Errorf("ClientID = %q", result.ClientID)
	}
	if !scopeContains(result.Scope, "uma_protection") {
		t.Errorf("Scope = %v, want uma_protection present", result.Scope)
	}
}

func TestIntrospectionService_RetryOnceAfterRefresh(t *testing.T) {
	op := newFakeOP(t)
	// Reject the first bearer; the forced refresh obtains token-2
	op.setIntrospectHandler(func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer == "token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		now := time.Now().Unix()
		writeJSON(w, map[string]any{
			"active":    true,
			"client_id": "test-client",
			"sub":       "user",
			"scope":     "uma_protection",
			"iat":       now,
			"exp":       now + 300,
		})
	})

	clock := newMockClock()
	svc, registry := newTestIntrospectionService(t, clock)
	ctx := context.Background()

	rp := testRp(op)
	if _, err := registry.Create(ctx, rp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := svc.IntrospectToken(ctx, rp.ID, "some-access-token")
	if err != nil {
		t.Fatalf("IntrospectToken() error = %v", err)
	}
	if !result.Active {
		t.Error("Active = false after retry")
	}
	if calls := op.introspectCalls(); calls != 2 {
		t.Errorf("introspection calls = %d, want exactly 2", calls)
	}
	if calls := op.tokenCalls(); calls != 2 {
		t.Errorf("token endpoint calls = %d, want 2 (initial obtain + forced refresh)", calls)
	}
}

func TestIntrospectionService_SecondRejectionPropagates(t *testing.T) {
	op := newFakeOP(t)
	op.setIntrospectHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	clock := newMockClock()
	svc, registry := newTestIntrospectionService(t, clock)
	ctx := context.Background()

	rp := testRp(op)
	if _, err := registry.Create(ctx, rp); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := svc.IntrospectToken(ctx, rp.ID, "some-access-token")
	if err == nil {
		t.Fatal("IntrospectToken() = nil, want failure")
	}
	if code := codeOf(t, err); code != CodeFailedToGetToken {
		t.Errorf("code = %q, want %q", code, CodeFailedToGetToken)
	}
	if calls := op.introspectCalls(); calls != 2 {
		t.Errorf("introspection calls = %d, want exactly 2 (no unbounded retry)", calls)
	}
}

func TestParseIntrospection(t *testing.T) {
	t.Run("canonical schema", func(t *testing.T) {
		body := []byte(`{
			"active": true,
			"client_id": "client-1",
			"sub": "user-1",
			"scope": "openid uma_protection",
			"iss": "https://op.example.com",
			"iat": 1700000000,
			"exp": 1700000300,
			"jti": "jti-1"
		}`)

		result, err := parseIntrospection(body)
		if err != nil {
			t.Fatalf("parseIntrospection() error = %v", err)
		}
		if result.Subject != "user-1" {
			t.Errorf("Subject = %q", result.Subject)
		}
		if len(result.Scope) != 2 {
			t.Errorf("Scope = %v", result.Scope)
		}
		if result.ExpiresAt != 1700000300 {
			t.Errorf("ExpiresAt = %d", result.ExpiresAt)
		}
	})

	t.Run("legacy schema field names", func(t *testing.T) {
		body := []byte(`{
			"active": true,
			"client_id": "client-1",
			"subject": "user-1",
			"scopes": ["openid", "uma_protection"],
			"issuer": "https://op.example.com",
			"issued_at": 1700000000,
			"expires_at": 1700000300
		}`)

		result, err := parseIntrospection(body)
		if err != nil {
			t.Fatalf("parseIntrospection() error = %v", err)
		}
		if result.Subject != "user-1" {
			t.Errorf("Subject = %q, want mapped from legacy field", result.Subject)
		}
		if len(result.Scope) != 2 {
			t.Errorf("Scope = %v, want mapped from scopes array", result.Scope)
		}
		if result.ExpiresAt != 1700000300 {
			t.Errorf("ExpiresAt = %d, want mapped from expires_at", result.ExpiresAt)
		}
	})

	t.Run("scope as array falls back to legacy", func(t *testing.T) {
		body := []byte(`{
			"active": true,
			"client_id": "client-1",
			"sub": "user-1",
			"scope": ["openid", "uma_protection"]
		}`)

		result, err := parseIntrospection(body)
		if err != nil {
			t.Fatalf("parseIntrospection() error = %v", err)
		}
		if len(result.Scope) != 2 {
			t.Errorf("Scope = %v, want parsed array", result.Scope)
		}
	})

	t.Run("inactive token", func(t *testing.T) {
		result, err := parseIntrospection([]byte(`{"active": false}`))
		if err != nil {
			t.Fatalf("parseIntrospection() error = %v", err)
		}
		if result.Active {
			t.Error("Active = true")
		}
	})

	t.Run("both schemas fail", func(t *testing.T) {
		_, err := parseIntrospection([]byte(`not json at all`))
		if err == nil {
			t.Fatal("parseIntrospection() = nil, want error")
		}
	})
}

func TestParseRptIntrospection(t *testing.T) {
	t.Run("canonical schema", func(t *testing.T) {
		body := []byte(`{
			"active": true,
			"exp": 1700000300,
			"iat": 1700000000,
			"permissions": [
				{"resource_id": "res-1", "resource_scopes": ["view"], "exp": 1700000300}
			]
		}`)

		result, err := parseRptIntrospection(body)
		if err != nil {
			t.Fatalf("parseRptIntrospection() error = %v", err)
		}
		if result.ExpiresAt != 1700000300 {
			t.Errorf("ExpiresAt = %d", result.ExpiresAt)
		}
		if len(result.Permissions) != 1 || result.Permissions[0].ResourceID != "res-1" {
			t.Errorf("Permissions = %+v", result.Permissions)
		}
	})

	t.Run("legacy schema", func(t *testing.T) {
		body := []byte(`{
			"active": true,
			"expires_at": 1700000300,
			"issued_at": 1700000000,
			"permissions": [
				{"resource_id": "res-1", "scopes": ["view"], "expires_at": 1700000300}
			]
		}`)

		result, err := parseRptIntrospection(body)
		if err != nil {
			t.Fatalf("parseRptIntrospection() error = %v", err)
		}
		if result.ExpiresAt != 1700000300 {
			t.Errorf("ExpiresAt = %d, want mapped from expires_at", result.ExpiresAt)
		}
		if len(result.Permissions) != 1 || len(result.Permissions[0].Scopes) != 1 {
			t.Errorf("Permissions = %+v", result.Permissions)
		}
	})

	t.Run("inactive", func(t *testing.T) {
		result, err := parseRptIntrospection([]byte(`{"active": false}`))
		if err != nil {
			t.Fatalf("parseRptIntrospection() error = %v", err)
		}
		if result.Active {
			t.Error("Active = true")
		}
	})
}
