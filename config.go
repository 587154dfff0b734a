package broker

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/security"
)

// Default values applied by New when the corresponding Config field is zero.
const (
	// DefaultProtectionScope is the scope requested for protection tokens.
	DefaultProtectionScope = "uma_protection"

	// DefaultRegistryTTL bounds how long an RP record is served from the
	// registry cache before falling through to the record store.
	DefaultRegistryTTL = 1 * time.Hour

	// DefaultKeyCacheTTL bounds how long a resolved signing key is cached.
	DefaultKeyCacheTTL = 1 * time.Hour

	// DefaultObtainRate is the per-RP sustained rate of token acquisitions
	// against the AS, in acquisitions per second.
	DefaultObtainRate = 2

	// DefaultObtainBurst is the per-RP burst of token acquisitions.
	DefaultObtainBurst = 5

	defaultHTTPTimeout = 30 * time.Second
)

// Config holds the broker configuration
type Config struct {
	// AllowedOpHosts restricts which authorization servers RPs may bind to.
	// Entries are compared by URL equality (scheme, host, port); entries
	// without a scheme default to https. Empty permits any host.
	AllowedOpHosts []string

	// ProtectionScope is the scope required on protection tokens and on
	// access tokens passing ValidateAccessToken.
	// Default: DefaultProtectionScope.
	ProtectionScope string

	// UseClientAuthenticationForPat selects the client-credential grant for
	// protection tokens. When false, the resource-owner flow using the RP's
	// userId/userSecret is used instead.
	// Default: true (set via DisableClientAuthenticationForPat).
	DisableClientAuthenticationForPat bool

	// RegistryTTL is the RP registry cache entry lifetime.
	// Default: DefaultRegistryTTL.
	RegistryTTL time.Duration

	// DiscoveryCacheTTL bounds discovery document caching. Zero caches for
	// the process lifetime.
	DiscoveryCacheTTL time.Duration

	// KeyCacheTTL bounds signing key caching.
	// Default: DefaultKeyCacheTTL.
	KeyCacheTTL time.Duration

	// RateLimit configures per-RP throttling of token acquisition.
	RateLimit RateLimitConfig

	// HTTPClient is used for every outbound AS call. Supply a client
	// carrying mutual-TLS, proxy, or trust-store configuration as needed.
	// If not provided, a default client with a 30 second timeout is used.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Clock supplies the current time for expiry decisions. Defaults to
	// the system clock; inject a fake in tests.
	Clock security.Clock

	// Instrumentation provides metrics and tracing. Nil disables both.
	Instrumentation *instrumentation.Instrumentation
}

// RateLimitConfig holds per-RP token acquisition throttling
type RateLimitConfig struct {
	// Rate is token acquisitions per second allowed per RP. Zero applies
	// DefaultObtainRate; negative disables limiting.
	Rate float64

	// Burst is the maximum acquisition burst per RP.
	Burst int
}

// withDefaults returns a copy of the config with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.ProtectionScope == "" {
		c.ProtectionScope = DefaultProtectionScope
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = DefaultRegistryTTL
	}
	if c.KeyCacheTTL <= 0 {
		c.KeyCacheTTL = DefaultKeyCacheTTL
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultObtainRate
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultObtainBurst
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = security.SystemClock{}
	}
	return c
}
