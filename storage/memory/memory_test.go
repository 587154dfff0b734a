package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

const testRpID = "test-rp"

func testRp(id string) *storage.Rp {
	return &storage.Rp{
		ID:           id,
		OpHost:       "https://op.example.com",
		ClientID:     "client-" + id,
		ClientSecret: "secret-" + id,
		Scope:        []string{"openid", "uma_protection"},
		Pat: &storage.Credential{
			Token:     "pat-" + id,
			ExpiresIn: 300,
			CreatedAt: time.Now(),
		},
	}
}

func TestStore_Save(t *testing.T) {
	store := New()
	ctx := context.Background()

	rp := testRp(testRpID)
	if err := store.Save(ctx, rp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, testRpID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.ClientID != rp.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, rp.ClientID)
	}
	if got.Pat == nil || got.Pat.Token != rp.Pat.Token {
		t.Errorf("Pat not round-tripped: %+v", got.Pat)
	}
}

func TestStore_Save_MissingID(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Save(ctx, &storage.Rp{}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Errorf("Save() error = %v, want ErrInvalidRecord", err)
	}
	if err := store.Save(ctx, nil); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Errorf("Save(nil) error = %v, want ErrInvalidRecord", err)
	}
}

func TestStore_Save_Replaces(t *testing.T) {
	store := New()
	ctx := context.Background()

	rp := testRp(testRpID)
	if err := store.Save(ctx, rp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	updated := rp.Copy()
	updated.ClientSecret = "rotated"
	updated.Pat = nil
	if err := store.Save(ctx, updated); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}

	got, err := store.Load(ctx, testRpID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ClientSecret != "rotated" {
		t.Errorf("ClientSecret = %q, want %q", got.ClientSecret, "rotated")
	}
	if got.Pat != nil {
		t.Error("Pat should have been replaced with nil")
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestStore_Load_NotFound(t *testing.T) {
	store := New()

	_, err := store.Load(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrRpNotFound) {
		t.Errorf("Load() error = %v, want ErrRpNotFound", err)
	}
}

func TestStore_Load_ReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Save(ctx, testRp(testRpID)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	first, err := store.Load(ctx, testRpID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Mutating the returned record must not affect stored state
	first.ClientSecret = "mutated"
	first.Pat.Token = "mutated"
	first.Scope[0] = "mutated"

	second, err := store.Load(ctx, testRpID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if second.ClientSecret == "mutated" || second.Pat.Token == "mutated" || second.Scope[0] == "mutated" {
		t.Error("Load() returned a record sharing state with the store")
	}
}

func TestStore_Delete(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Save(ctx, testRp(testRpID)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	removed, err := store.Delete(ctx, testRpID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !removed {
		t.Error("Delete() = false, want true for existing record")
	}

	if _, err := store.Load(ctx, testRpID); !errors.Is(err, storage.ErrRpNotFound) {
		t.Errorf("Load() after delete error = %v, want ErrRpNotFound", err)
	}

	// Deleting again reports nothing removed
	removed, err = store.Delete(ctx, testRpID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if removed {
		t.Error("Delete() = true, want false for missing record")
	}
}

func TestStore_LoadAll(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, testRp(fmt.Sprintf("rp-%d", i))); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("LoadAll() returned %d records, want 3", len(records))
	}

	seen := make(map[string]bool)
	for _, rp := range records {
		seen[rp.ID] = true
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("rp-%d", i)
		if !seen[id] {
			t.Errorf("LoadAll() missing record %s", id)
		}
	}
}

func TestStore_LoadAll_Empty(t *testing.T) {
	store := New()

	records, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("LoadAll() returned %d records, want 0", len(records))
	}
}

// ============================================================
// Encryption at rest
// ============================================================

func TestStore_EncryptionRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	secret, err := security.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	enc, err := security.NewEncryptor(secret)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	store.SetEncryptor(enc)

	rp := testRp(testRpID)
	rp.UserSecret = "user-secret"
	rp.Rpt = &storage.RptCredential{
		Token:     "rpt-value",
		Pct:       "pct-value",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	if err := store.Save(ctx, rp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Stored record must not contain the plaintext secrets
	store.mu.RLock()
	stored := store.records[testRpID]
	store.mu.RUnlock()

	if stored.ClientSecret == rp.ClientSecret {
		t.Error("client secret stored in plaintext")
	}
	if stored.Pat.Token == rp.Pat.Token {
		t.Error("pat stored in plaintext")
	}
	if stored.Rpt.Token == rp.Rpt.Token {
		t.Error("rpt stored in plaintext")
	}

	// Load must transparently decrypt
	got, err := store.Load(ctx, testRpID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ClientSecret != rp.ClientSecret {
		t.Errorf("ClientSecret = %q, want %q", got.ClientSecret, rp.ClientSecret)
	}
	if got.Pat.Token != rp.Pat.Token {
		t.Errorf("Pat.Token = %q, want %q", got.Pat.Token, rp.Pat.Token)
	}
	if got.Rpt.Token != rp.Rpt.Token || got.Rpt.Pct != rp.Rpt.Pct {
		t.Errorf("Rpt = %+v, want token %q pct %q", got.Rpt, rp.Rpt.Token, rp.Rpt.Pct)
	}
	if got.UserSecret != rp.UserSecret {
		t.Errorf("UserSecret = %q, want %q", got.UserSecret, rp.UserSecret)
	}

	// Non-secret metadata stays readable in storage
	if stored.OpHost != rp.OpHost {
		t.Errorf("OpHost = %q, want %q", stored.OpHost, rp.OpHost)
	}
}

func TestStore_Encryption_LoadAll(t *testing.T) {
	store := New()
	ctx := context.Background()

	enc, err := security.NewEncryptor([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	store.SetEncryptor(enc)

	if err := store.Save(ctx, testRp("rp-a")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, testRp("rp-b")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	for _, rp := range records {
		if rp.ClientSecret != "secret-"+rp.ID {
			t.Errorf("ClientSecret = %q, want %q", rp.ClientSecret, "secret-"+rp.ID)
		}
	}
}

// ============================================================
// Instrumentation and concurrency
// ============================================================

func TestStore_WithInstrumentation(t *testing.T) {
	store := New()
	ctx := context.Background()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "memory-test",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store.SetInstrumentation(inst)

	// Operations should succeed and record metrics without panicking
	if err := store.Save(ctx, testRp(testRpID)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := store.Load(ctx, testRpID); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := store.Load(ctx, "missing"); err == nil {
		t.Error("Load() for missing record should error")
	}
	if _, err := store.Delete(ctx, testRpID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rpID := fmt.Sprintf("rp-%d", id%3)
			for j := 0; j < 50; j++ {
				_ = store.Save(ctx, testRp(rpID))
				_, _ = store.Load(ctx, rpID)
				_, _ = store.LoadAll(ctx)
			}
		}(i)
	}
	wg.Wait()

	// Should complete without race conditions
	if store.Count() != 3 {
		t.Errorf("Count() = %d, want 3", store.Count())
	}
}
