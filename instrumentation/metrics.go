package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the broker
type Metrics struct {
	// Token Lifecycle Metrics
	TokenAcquisitionsTotal   metric.Int64Counter
	TokenAcquisitionDuration metric.Float64Histogram
	TokenRetriesTotal        metric.Int64Counter

	// Discovery Metrics
	DiscoveryLookupsTotal  metric.Int64Counter
	DiscoveryFetchDuration metric.Float64Histogram

	// Public Key Cache Metrics
	KeyLookupsTotal metric.Int64Counter

	// RP Sync Metrics
	SyncRunsTotal metric.Int64Counter
	SyncDuration  metric.Float64Histogram

	// Introspection Metrics
	IntrospectionRequestsTotal metric.Int64Counter
	IntrospectionDuration      metric.Float64Histogram

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageRpCount           metric.Int64ObservableGauge

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	// Token Lifecycle Metrics
	var err error
	m.TokenAcquisitionsTotal, err = inst.tokenMeter.Int64Counter(
		"broker.token.acquisitions.total",
		metric.WithDescription("Total number of token acquisitions served, cached or fresh"),
		metric.WithUnit("{acquisition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.acquisitions.total counter: %w", err)
	}

	m.TokenAcquisitionDuration, err = inst.tokenMeter.Float64Histogram(
		"broker.token.acquisition.duration",
		metric.WithDescription("Token acquisition duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.acquisition.duration histogram: %w", err)
	}

	m.TokenRetriesTotal, err = inst.tokenMeter.Int64Counter(
		"broker.token.retries.total",
		metric.WithDescription("Number of forced token refreshes triggered by an authorization failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.retries.total counter: %w", err)
	}

	// Discovery Metrics
	m.DiscoveryLookupsTotal, err = inst.discoveryMeter.Int64Counter(
		"broker.discovery.lookups.total",
		metric.WithDescription("Total number of discovery document lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.lookups.total counter: %w", err)
	}

	m.DiscoveryFetchDuration, err = inst.discoveryMeter.Float64Histogram(
		"broker.discovery.fetch.duration",
		metric.WithDescription("Discovery document fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.fetch.duration histogram: %w", err)
	}

	// Public Key Cache Metrics
	m.KeyLookupsTotal, err = inst.discoveryMeter.Int64Counter(
		"broker.keys.lookups.total",
		metric.WithDescription("Total number of signing key lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys.lookups.total counter: %w", err)
	}

	// RP Sync Metrics
	m.SyncRunsTotal, err = inst.tokenMeter.Int64Counter(
		"broker.sync.runs.total",
		metric.WithDescription("Number of RP client synchronization runs against the OP"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync.runs.total counter: %w", err)
	}

	m.SyncDuration, err = inst.tokenMeter.Float64Histogram(
		"broker.sync.duration",
		metric.WithDescription("RP client synchronization duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync.duration histogram: %w", err)
	}

	// Introspection Metrics
	m.IntrospectionRequestsTotal, err = inst.introspectionMeter.Int64Counter(
		"broker.introspection.requests.total",
		metric.WithDescription("Total number of introspection requests sent to the OP"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection.requests.total counter: %w", err)
	}

	m.IntrospectionDuration, err = inst.introspectionMeter.Float64Histogram(
		"broker.introspection.duration",
		metric.WithDescription("Introspection request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection.duration histogram: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageRpCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.rps.count",
		metric.WithDescription("Number of RP records currently stored"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.rps.count gauge: %w", err)
	}

	// Encryption Metrics
	m.EncryptionOperationsTotal, err = inst.securityMeter.Int64Counter(
		"broker.encryption.operations.total",
		metric.WithDescription("Total number of encryption/decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = inst.securityMeter.Float64Histogram(
		"broker.encryption.duration",
		metric.WithDescription("Encryption/decryption operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordTokenAcquisition records a token acquisition.
// tokenType is one of "pat", "oauth", "rpt"; source is "cache" or "fresh".
func (m *Metrics) RecordTokenAcquisition(ctx context.Context, tokenType, source, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("token_type", tokenType),
		attribute.String("source", source),
		attribute.String("result", result),
	}

	m.TokenAcquisitionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.TokenAcquisitionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenRetry records a forced refresh after an authorization failure
func (m *Metrics) RecordTokenRetry(ctx context.Context, tokenType string) {
	m.TokenRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordDiscoveryLookup records a discovery document lookup.
// kind is "connect" or "uma"; source is "cache" or "network".
func (m *Metrics) RecordDiscoveryLookup(ctx context.Context, kind, source, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("source", source),
		attribute.String("result", result),
	}

	m.DiscoveryLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if source == "network" {
		m.DiscoveryFetchDuration.Record(ctx, durationMs, metric.WithAttributes(
			attribute.String("kind", kind),
		))
	}
}

// RecordKeyLookup records a signing key lookup
func (m *Metrics) RecordKeyLookup(ctx context.Context, source, result string) {
	m.KeyLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordSyncRun records an RP client synchronization run
func (m *Metrics) RecordSyncRun(ctx context.Context, result string, durationMs float64) {
	m.SyncRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
	m.SyncDuration.Record(ctx, durationMs)
}

// RecordIntrospection records an introspection request.
// kind is "access_token" or "rpt".
func (m *Metrics) RecordIntrospection(ctx context.Context, kind, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("result", result),
	}

	m.IntrospectionRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.IntrospectionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// ============================================================================
// Nil-safe forwarding
// ============================================================================

// The forwarding methods below let callers hold a possibly-nil
// *Instrumentation and record unconditionally; a nil receiver is a no-op.

// RecordTokenAcquisition forwards to Metrics.RecordTokenAcquisition.
func (i *Instrumentation) RecordTokenAcquisition(ctx context.Context, tokenType, source, result string, durationMs float64) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.RecordTokenAcquisition(ctx, tokenType, source, result, durationMs)
}

// RecordTokenRetry forwards to Metrics.RecordTokenRetry.
func (i *Instrumentation) RecordTokenRetry(ctx context.Context, tokenType string) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.RecordTokenRetry(ctx, tokenType)
}

// RecordDiscoveryLookup forwards to Metrics.RecordDiscoveryLookup.
func (i *Instrumentation) RecordDiscoveryLookup(ctx context.Context, kind, source, result string, durationMs float64) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.RecordDiscoveryLookup(ctx, kind, source, result, durationMs)
}

// RecordKeyLookup forwards to Metrics.RecordKeyLookup.
func (i *Instrumentation) RecordKeyLookup(ctx context.Context, source, result string) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.RecordKeyLookup(ctx, source, result)
}

// RecordSyncRun forwards to Metrics.RecordSyncRun.
func (i *Instrumentation) RecordSyncRun(ctx context.Context, result string, durationMs float64) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.RecordSyncRun(ctx, result, durationMs)
}

// RecordIntrospection forwards to Metrics.RecordIntrospection.
func (i *Instrumentation) RecordIntrospection(ctx context.Context, kind, result string, durationMs float64) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.RecordIntrospection(ctx, kind, result, durationMs)
}
