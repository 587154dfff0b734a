package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (PATs, RPTs, OAuth access
// tokens, refresh tokens, client secrets, user credentials) in traces or metrics.
// Only log metadata such as token types, expiry times, RP identifiers, and
// validation results.
//
// These constants define attribute key names for observability, not for logging
// sensitive credential values. Logging actual credentials would create critical
// security vulnerabilities as traces are often:
//   - Persisted for extended periods
//   - Accessible to wider audiences than production systems
//   - Replicated across monitoring infrastructure
//   - Subject to compliance requirements (GDPR, PCI-DSS, etc.)
const (
	// RP and token attributes - SAFE to use for metadata only
	AttrRpID             = "broker.rp_id"             // RP record identifier (non-secret)
	AttrOpHost           = "broker.op_host"           // OP host the RP is bound to
	AttrClientID         = "broker.client_id"         // Registered client identifier (non-secret)
	AttrTokenType        = "broker.token_type"        //nolint:gosec // Token kind (pat, oauth, rpt) - NOT the actual token
	AttrTokenSource      = "broker.token_source"      //nolint:gosec // Whether the token came from cache or a fresh grant
	AttrGrantType        = "broker.grant_type"        // OAuth grant type used to obtain a token
	AttrScope            = "broker.scope"             // Requested scopes
	AttrExpiresIn        = "broker.expires_in"        // Token expiry duration in seconds
	AttrForceRefresh     = "broker.force_refresh"     // Whether cached tokens were bypassed (boolean)
	AttrRetried          = "broker.retried"           // Whether the operation was retried after a 401 (boolean)
	AttrError            = "broker.error"             // Error code
	AttrErrorDescription = "broker.error_description" // Error description

	// Discovery attributes
	AttrDiscoveryKind = "discovery.kind" // Document kind (connect, uma)
	AttrDiscoveryURL  = "discovery.url"  // Well-known URL fetched
	AttrIssuer        = "discovery.issuer"

	// Key cache attributes
	AttrJwksURI     = "keys.jwks_uri"
	AttrKeyID       = "keys.kid"
	AttrKeyAlg      = "keys.alg"
	AttrKeySelected = "keys.selected" // Whether a key was selected (boolean)

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
	AttrStorageKey       = "storage.key"

	// Security attributes
	AttrEncryptionOperation = "security.encryption.operation"

	// Outbound HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
// This is a convenience wrapper that safely handles nil spans
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
// This is a convenience wrapper that safely handles nil spans
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddRpAttributes adds common RP attributes to a span (nil-safe)
func AddRpAttributes(span trace.Span, rpID, opHost, clientID string) {
	if rpID != "" {
		SetSpanAttributes(span, attribute.String(AttrRpID, rpID))
	}
	if opHost != "" {
		SetSpanAttributes(span, attribute.String(AttrOpHost, opHost))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
}

// AddTokenAttributes adds token acquisition attributes to a span (nil-safe)
func AddTokenAttributes(span trace.Span, tokenType, source string) {
	SetSpanAttributes(span,
		attribute.String(AttrTokenType, tokenType),
		attribute.String(AttrTokenSource, source),
	)
}

// AddDiscoveryAttributes adds discovery lookup attributes to a span (nil-safe)
func AddDiscoveryAttributes(span trace.Span, kind, url string) {
	SetSpanAttributes(span,
		attribute.String(AttrDiscoveryKind, kind),
		attribute.String(AttrDiscoveryURL, url),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds outbound HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
