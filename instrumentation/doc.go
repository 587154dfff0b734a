// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the broker.
//
// This package enables observability across all broker layers through:
// - Metrics: Counters, histograms, and gauges for token, discovery, and storage operations
// - Traces: Distributed tracing for token acquisition and introspection flows
//
// # Quick Start
//
//	import "github.com/nimbusid/rp-broker/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-uma-gateway",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to the broker configuration
//	b, err := broker.New(store, broker.Config{Instrumentation: inst})
//
// # Available Metrics
//
// Token lifecycle:
//   - broker.token.acquisitions.total{token_type, source, result} - Token acquisitions served
//   - broker.token.acquisition.duration{token_type} - Acquisition duration in milliseconds
//   - broker.token.retries.total{token_type} - Forced refreshes after authorization failures
//
// Discovery and keys:
//   - broker.discovery.lookups.total{kind, source, result} - Discovery document lookups
//   - broker.discovery.fetch.duration{kind} - Network fetch duration in milliseconds
//   - broker.keys.lookups.total{source, result} - Signing key lookups
//
// RP sync:
//   - broker.sync.runs.total{result} - Client synchronization runs against the OP
//   - broker.sync.duration - Synchronization duration in milliseconds
//
// Introspection:
//   - broker.introspection.requests.total{kind, result} - Introspection requests
//   - broker.introspection.duration{kind} - Request duration in milliseconds
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.rps.count - Number of RP records currently stored
//
// # Performance
//
// When instrumentation is not configured or disabled:
//   - Zero overhead (uses no-op providers)
//   - No allocations or latency impact
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
//
// # Security Considerations
//
// IMPORTANT: This package is designed to collect observability data, not sensitive
// credentials.
//
// When instrumenting token flows, you MUST:
//   - NEVER log actual token values (PATs, RPTs, access tokens, refresh tokens)
//   - NEVER log client secrets or resource-owner credentials
//   - ONLY log metadata (token types, expiry times, RP identifiers, validation results)
//
// Data collected in traces and metrics may be:
//   - Persisted for extended periods in observability backends
//   - Accessible to operations teams and potentially wider audiences
//   - Subject to compliance requirements (GDPR, PCI-DSS, SOC 2, etc.)
package instrumentation
