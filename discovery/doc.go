// Package discovery fetches and caches authorization server discovery
// documents: OpenID Connect (/.well-known/openid-configuration) and UMA 2.0
// (/.well-known/uma2-configuration).
//
// Documents are cached per endpoint URL and fetched lazily on miss, never
// refreshed proactively. The cache TTL is configurable; the default of zero
// caches documents for the process lifetime, matching the assumption that AS
// metadata changes rarely. The issuer of every returned document is checked
// against the configured allow-list on each read, including cache hits, so an
// allow-list change takes effect without a refetch.
//
// Failure modes are distinguished with sentinel errors: a malformed explicit
// configuration endpoint fails fast with ErrInvalidConfigurationEndpoint
// before any network call, an empty or undecodable AS response maps to
// ErrNoDiscoveryResponse, and TLS trust failures surface as ErrSSLHandshake
// so callers can tell transport trust issues from generic I/O failures.
package discovery
