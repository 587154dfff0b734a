package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestRecordError(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test recording an error
	testErr := errors.New("test error")
	RecordError(span, testErr)

	// Should not panic
}

func TestSetSpanSuccess(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test setting span as successful
	SetSpanSuccess(span)

	// Should not panic
}

func TestAddRpAttributes(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test adding RP attributes, including partially empty sets
	AddRpAttributes(span, "rp-123", "https://op.example.com", "client-abc")
	AddRpAttributes(span, "rp-456", "", "")
	AddRpAttributes(span, "", "https://op.example.com", "")

	// Should not panic
}

func TestAddTokenAttributes(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test adding token attributes
	AddTokenAttributes(span, "pat", "fresh")
	AddTokenAttributes(span, "rpt", "cache")

	// Should not panic
}

func TestAddDiscoveryAttributes(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("discovery").Start(ctx, "test-span")
	defer span.End()

	// Test adding discovery attributes
	AddDiscoveryAttributes(span, "connect", "https://op.example.com/.well-known/openid-configuration")
	AddDiscoveryAttributes(span, "uma", "https://op.example.com/.well-known/uma2-configuration")

	// Should not panic
}

func TestAddStorageAttributes(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("storage").Start(ctx, "test-span")
	defer span.End()

	// Test adding storage attributes
	AddStorageAttributes(span, "save", "memory")
	AddStorageAttributes(span, "load", "valkey")

	// Should not panic
}

func TestAddHTTPAttributes(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test adding HTTP attributes
	AddHTTPAttributes(span, "POST", "/oxauth/restv1/token", 200)
	AddHTTPAttributes(span, "POST", "/oxauth/restv1/introspection", 401)

	// Should not panic
}

func TestSpanLifecycle(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()

	// Test full span lifecycle with attributes and error
	_, span := inst.Tracer("tokens").Start(ctx, "broker.obtain_pat")

	// Add attributes
	AddRpAttributes(span, "rp-123", "https://op.example.com", "client-abc")
	AddTokenAttributes(span, "pat", "fresh")
	AddHTTPAttributes(span, "POST", "/oxauth/restv1/token", 401)

	// Simulate some work
	testErr := errors.New("failed to get token")
	RecordError(span, testErr)

	// End span
	span.End()

	// Should complete without panic
}

func TestSpanNesting(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()

	// Create nested spans
	ctx, span1 := inst.Tracer("tokens").Start(ctx, "broker.get_rpt")
	AddRpAttributes(span1, "rp-123", "https://op.example.com", "client-abc")

	ctx, span2 := inst.Tracer("discovery").Start(ctx, "discovery.uma_metadata")
	AddDiscoveryAttributes(span2, "uma", "https://op.example.com/.well-known/uma2-configuration")

	_, span3 := inst.Tracer("storage").Start(ctx, "storage.save")
	AddStorageAttributes(span3, "save", "memory")
	SetSpanSuccess(span3)
	span3.End()

	SetSpanSuccess(span2)
	span2.End()

	SetSpanSuccess(span1)
	span1.End()

	// Should complete without panic
}

func TestSpanConcurrency(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	done := make(chan bool)

	// Create spans concurrently
	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				_, span := inst.Tracer("tokens").Start(ctx, "concurrent-span")
				AddRpAttributes(span, "rp", "https://op.example.com", "client")
				AddTokenAttributes(span, "pat", "cache")
				SetSpanSuccess(span)
				span.End()
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Should complete without race conditions
}

func TestNoOpSpans(t *testing.T) {
	// Test that disabled instrumentation produces no-op spans
	inst, err := New(Config{
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()

	// Create and manipulate spans - should all be no-ops
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	AddRpAttributes(span, "rp", "https://op.example.com", "client")
	AddTokenAttributes(span, "rpt", "fresh")
	AddHTTPAttributes(span, "GET", "/test", 200)
	AddStorageAttributes(span, "save", "memory")
	AddDiscoveryAttributes(span, "connect", "https://op.example.com/.well-known/openid-configuration")
	RecordError(span, errors.New("test"))
	SetSpanSuccess(span)
	span.SetStatus(codes.Ok, "")
	span.End()

	// Should not panic
}

func TestSetSpanError(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test setting error on span
	SetSpanError(span, "test error message")

	// Should not panic
}

func TestSetSpanAttributes(t *testing.T) {
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := inst.Tracer("tokens").Start(ctx, "test-span")
	defer span.End()

	// Test setting attributes on span
	SetSpanAttributes(span,
		attribute.String("key1", "value1"),
		attribute.Int("key2", 42),
	)

	// Should not panic
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	// Test all nil-safe helpers with nil spans
	SetSpanError(nil, "error")
	SetSpanAttributes(nil, attribute.String("key", "value"))
	RecordError(nil, errors.New("test"))
	SetSpanSuccess(nil)
	AddRpAttributes(nil, "rp", "https://op.example.com", "client")
	AddTokenAttributes(nil, "pat", "fresh")
	AddDiscoveryAttributes(nil, "connect", "url")
	AddStorageAttributes(nil, "save", "memory")
	AddHTTPAttributes(nil, "GET", "/test", 200)

	// Should not panic
}
