package discovery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/internal/util"
)

const (
	// ConnectWellKnownPath is the standard OpenID Connect discovery path
	ConnectWellKnownPath = "/.well-known/openid-configuration"

	// UmaWellKnownPath is the standard UMA 2.0 discovery path
	UmaWellKnownPath = "/.well-known/uma2-configuration"

	// defaultHTTPTimeout is used when no HTTP client is supplied
	defaultHTTPTimeout = 10 * time.Second
)

// Sentinel errors returned by the discovery client. Callers match with
// errors.Is to translate into their own error taxonomy.
var (
	// ErrInvalidConfigurationEndpoint indicates an explicit configuration
	// endpoint that does not look like an OpenID discovery URL. Raised
	// before any network call.
	ErrInvalidConfigurationEndpoint = errors.New("invalid configuration endpoint")

	// ErrInvalidTarget indicates a target with neither a configuration
	// endpoint nor an OP host
	ErrInvalidTarget = errors.New("discovery target requires an op host or configuration endpoint")

	// ErrNoDiscoveryResponse indicates the AS returned an empty, non-200,
	// or undecodable discovery document
	ErrNoDiscoveryResponse = errors.New("no response from discovery endpoint")

	// ErrSSLHandshake indicates a TLS trust failure talking to the AS,
	// distinct from generic I/O failures
	ErrSSLHandshake = errors.New("ssl handshake error")

	// ErrIssuerNotAllowed indicates a discovery document whose issuer is
	// not on the configured allow-list
	ErrIssuerNotAllowed = errors.New("issuer not in allowed op hosts")
)

// Target identifies the AS to discover: either an explicit OpenID
// configuration endpoint, or an (OpHost, OpDiscoveryPath) pair from which the
// well-known URLs are derived.
type Target struct {
	// ConfigurationEndpoint is an explicit OpenID configuration URL.
	// When set it takes precedence over OpHost/OpDiscoveryPath.
	ConfigurationEndpoint string

	// OpHost is the AS base URL. A missing scheme defaults to https.
	OpHost string

	// OpDiscoveryPath is an optional path segment inserted before the
	// well-known suffix.
	OpDiscoveryPath string
}

// ConnectURL resolves the OpenID configuration URL for the target.
func (t Target) ConnectURL() (string, error) {
	if t.ConfigurationEndpoint != "" {
		if !strings.Contains(t.ConfigurationEndpoint, ConnectWellKnownPath) {
			return "", fmt.Errorf("%w: %s", ErrInvalidConfigurationEndpoint, t.ConfigurationEndpoint)
		}
		return t.ConfigurationEndpoint, nil
	}
	base, err := t.base()
	if err != nil {
		return "", err
	}
	return base + ConnectWellKnownPath, nil
}

// UmaURL resolves the UMA 2.0 configuration URL for the target. An explicit
// configuration endpoint is mapped to its UMA sibling by swapping the
// well-known suffix.
func (t Target) UmaURL() (string, error) {
	if t.ConfigurationEndpoint != "" {
		if !strings.Contains(t.ConfigurationEndpoint, ConnectWellKnownPath) {
			return "", fmt.Errorf("%w: %s", ErrInvalidConfigurationEndpoint, t.ConfigurationEndpoint)
		}
		return strings.Replace(t.ConfigurationEndpoint, ConnectWellKnownPath, UmaWellKnownPath, 1), nil
	}
	base, err := t.base()
	if err != nil {
		return "", err
	}
	return base + UmaWellKnownPath, nil
}

// base derives the normalized AS base URL (scheme defaulted, no trailing
// slash, optional discovery path appended).
func (t Target) base() (string, error) {
	if t.OpHost == "" {
		return "", ErrInvalidTarget
	}
	base := util.NormalizeURL(util.EnsureScheme(t.OpHost))
	if path := strings.Trim(t.OpDiscoveryPath, "/"); path != "" {
		base += "/" + path
	}
	return base, nil
}

// cachedDocument holds a decoded discovery document with its fetch timestamp.
type cachedDocument struct {
	document  any
	fetchedAt time.Time
}

// Options configures a discovery Client.
type Options struct {
	// HTTPClient is the client for outbound requests
	// (nil uses a default with a 10s timeout)
	HTTPClient *http.Client

	// CacheTTL is the time-to-live for cached documents.
	// 0 caches for the process lifetime.
	CacheTTL time.Duration

	// AllowedOpHosts restricts which issuers are accepted. Empty allows all.
	AllowedOpHosts []string

	// Logger for debug/info messages (nil uses the default logger)
	Logger *slog.Logger

	// Instrumentation records lookup metrics (nil disables recording)
	Instrumentation *instrumentation.Instrumentation
}

// Client fetches and caches AS discovery documents (OpenID Connect and
// UMA 2.0). Documents are fetched lazily on cache miss and never refreshed
// proactively. The issuer of every returned document, cached or fresh, is
// checked against the allow-list, since the allow-list can change while a
// cached document stays valid.
//
// The client is thread-safe. Two goroutines racing on a miss for the same
// URL may both fetch; the last writer wins and both receive a valid document.
type Client struct {
	httpClient      *http.Client
	cacheTTL        time.Duration
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	connectCache sync.Map // url -> *cachedDocument
	umaCache     sync.Map // url -> *cachedDocument

	allowedMu      sync.RWMutex
	allowedOpHosts []string

	now func() time.Time
}

// New creates a discovery client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient:      httpClient,
		cacheTTL:        opts.CacheTTL,
		logger:          logger,
		instrumentation: opts.Instrumentation,
		allowedOpHosts:  opts.AllowedOpHosts,
		now:             time.Now,
	}
}

// SetAllowedOpHosts replaces the issuer allow-list. Cached documents are
// revalidated against the new list on their next read.
func (c *Client) SetAllowedOpHosts(hosts []string) {
	c.allowedMu.Lock()
	defer c.allowedMu.Unlock()
	c.allowedOpHosts = hosts
}

// ConnectMetadata resolves the OpenID Connect discovery document for a target.
func (c *Client) ConnectMetadata(ctx context.Context, target Target) (*ConnectMetadata, error) {
	endpoint, err := target.ConnectURL()
	if err != nil {
		return nil, err
	}

	if cached, ok := c.cacheLookup(&c.connectCache, endpoint); ok {
		doc := cached.(*ConnectMetadata)
		if err := c.checkIssuer(doc.Issuer); err != nil {
			return nil, err
		}
		c.instrumentation.RecordDiscoveryLookup(ctx, "connect", "cache", "success", 0)
		c.logger.Debug("Connect discovery cache hit", "endpoint", endpoint)
		return doc, nil
	}

	start := time.Now()
	doc, err := c.fetchConnect(ctx, endpoint)
	durationMs := float64(time.Since(start).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	c.instrumentation.RecordDiscoveryLookup(ctx, "connect", "fetch", result, durationMs)
	return doc, err
}

func (c *Client) fetchConnect(ctx context.Context, endpoint string) (*ConnectMetadata, error) {
	var doc ConnectMetadata
	if err := c.fetch(ctx, endpoint, &doc); err != nil {
		return nil, err
	}
	if doc.Issuer == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: document from %s missing issuer or token endpoint", ErrNoDiscoveryResponse, endpoint)
	}
	if err := c.checkIssuer(doc.Issuer); err != nil {
		return nil, err
	}

	c.connectCache.Store(endpoint, &cachedDocument{document: &doc, fetchedAt: c.now()})
	c.logger.Info("Connect discovery successful",
		"endpoint", endpoint,
		"issuer", doc.Issuer,
		"token_endpoint", doc.TokenEndpoint)
	return &doc, nil
}

// UmaMetadata resolves the UMA 2.0 discovery document for a target.
func (c *Client) UmaMetadata(ctx context.Context, target Target) (*UmaMetadata, error) {
	endpoint, err := target.UmaURL()
	if err != nil {
		return nil, err
	}

	if cached, ok := c.cacheLookup(&c.umaCache, endpoint); ok {
		doc := cached.(*UmaMetadata)
		if err := c.checkIssuer(doc.Issuer); err != nil {
			return nil, err
		}
		c.instrumentation.RecordDiscoveryLookup(ctx, "uma", "cache", "success", 0)
		c.logger.Debug("UMA discovery cache hit", "endpoint", endpoint)
		return doc, nil
	}

	start := time.Now()
	doc, err := c.fetchUma(ctx, endpoint)
	durationMs := float64(time.Since(start).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	c.instrumentation.RecordDiscoveryLookup(ctx, "uma", "fetch", result, durationMs)
	return doc, err
}

func (c *Client) fetchUma(ctx context.Context, endpoint string) (*UmaMetadata, error) {
	var doc UmaMetadata
	if err := c.fetch(ctx, endpoint, &doc); err != nil {
		return nil, err
	}
	if doc.Issuer == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: document from %s missing issuer or token endpoint", ErrNoDiscoveryResponse, endpoint)
	}
	if err := c.checkIssuer(doc.Issuer); err != nil {
		return nil, err
	}

	c.umaCache.Store(endpoint, &cachedDocument{document: &doc, fetchedAt: c.now()})
	c.logger.Info("UMA discovery successful",
		"endpoint", endpoint,
		"issuer", doc.Issuer,
		"token_endpoint", doc.TokenEndpoint)
	return &doc, nil
}

// ClearCache drops all cached discovery documents, forcing a refetch on the
// next lookup.
func (c *Client) ClearCache() {
	count := 0
	for _, cache := range []*sync.Map{&c.connectCache, &c.umaCache} {
		cache.Range(func(key, value any) bool {
			cache.Delete(key)
			count++
			return true
		})
	}
	c.logger.Debug("Discovery cache cleared", "entries_removed", count)
}

// cacheLookup returns the cached document for the endpoint if present and
// within TTL. A zero TTL means entries never expire.
func (c *Client) cacheLookup(cache *sync.Map, endpoint string) (any, bool) {
	cached, ok := cache.Load(endpoint)
	if !ok {
		return nil, false
	}
	entry := cached.(*cachedDocument)
	if c.cacheTTL > 0 && c.now().Sub(entry.fetchedAt) >= c.cacheTTL {
		c.logger.Debug("Discovery cache entry expired", "endpoint", endpoint)
		return nil, false
	}
	return entry.document, true
}

// fetch GETs and decodes a discovery document into out.
func (c *Client) fetch(ctx context.Context, endpoint string, out any) error {
	c.logger.Debug("Fetching discovery document", "url", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTLSError(err) {
			return fmt.Errorf("%w: %s: %v", ErrSSLHandshake, endpoint, err)
		}
		return fmt.Errorf("failed to fetch discovery document from %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrNoDiscoveryResponse, endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode document from %s: %v", ErrNoDiscoveryResponse, endpoint, err)
	}

	return nil
}

// checkIssuer validates the issuer against the allow-list by URL equality
// (scheme, host, and port). An empty allow-list permits any issuer.
func (c *Client) checkIssuer(issuer string) error {
	c.allowedMu.RLock()
	allowed := c.allowedOpHosts
	c.allowedMu.RUnlock()

	if len(allowed) == 0 {
		return nil
	}

	issuerURL, err := url.Parse(util.EnsureScheme(issuer))
	if err != nil {
		return fmt.Errorf("%w: unparseable issuer %q", ErrIssuerNotAllowed, issuer)
	}

	for _, host := range allowed {
		hostURL, err := url.Parse(util.EnsureScheme(host))
		if err != nil {
			continue
		}
		if issuerURL.Scheme == hostURL.Scheme && issuerURL.Host == hostURL.Host {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrIssuerNotAllowed, issuer)
}

// isTLSError reports whether the error chain indicates a TLS handshake or
// certificate trust failure rather than a generic transport failure.
func isTLSError(err error) bool {
	var (
		recordHeader tls.RecordHeaderError
		certVerify   *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostname     x509.HostnameError
		certInvalid  x509.CertificateInvalidError
	)
	return errors.As(err, &recordHeader) ||
		errors.As(err, &certVerify) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostname) ||
		errors.As(err, &certInvalid)
}
