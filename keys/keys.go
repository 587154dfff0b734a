package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/nimbusid/rp-broker/instrumentation"
)

// ============================================================================
// Constants and Errors
// ============================================================================

const (
	// DefaultCacheTTL is how long a resolved key stays cached before the
	// next lookup triggers a JWKS re-fetch.
	DefaultCacheTTL = 1 * time.Hour

	defaultHTTPTimeout = 10 * time.Second
)

var (
	// ErrNoMatchingKey indicates no key in the JWKS document satisfied the
	// key ID or algorithm/use filter.
	ErrNoMatchingKey = errors.New("no matching key in JWKS")

	// ErrAmbiguousKey indicates a key-ID-less lookup matched more than one
	// key; the caller must supply a key ID to disambiguate.
	ErrAmbiguousKey = errors.New("ambiguous key selection, key ID required")

	// ErrJWKSFetch indicates the JWKS document could not be fetched or parsed.
	ErrJWKSFetch = errors.New("failed to fetch JWKS")
)

// ============================================================================
// Cache
// ============================================================================

// cachedKey holds a resolved signing key with its fetch timestamp.
type cachedKey struct {
	key       jwk.Key
	fetchedAt time.Time
}

// Options configures a key cache.
type Options struct {
	// HTTPClient used for JWKS fetches. Defaults to a client with a
	// 10 second timeout.
	HTTPClient *http.Client

	// CacheTTL bounds how long a resolved key is served without re-fetching
	// the JWKS document. Defaults to DefaultCacheTTL.
	CacheTTL time.Duration

	// Logger for fetch events. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records lookup metrics (nil disables recording)
	Instrumentation *instrumentation.Instrumentation
}

// Cache resolves and caches AS signing keys per (JWKS endpoint, key ID).
// Expiry is evaluated lazily at lookup time; there is no background sweep.
// Safe for concurrent use. A cache miss may cause concurrent callers to
// fetch the same JWKS document twice; last writer wins.
type Cache struct {
	httpClient      *http.Client
	ttl             time.Duration
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	keys sync.Map // "<jwksURL>#<kid>" -> *cachedKey

	now func() time.Time
}

// New creates a key cache.
func New(opts Options) *Cache {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		httpClient:      httpClient,
		ttl:             ttl,
		logger:          logger,
		instrumentation: opts.Instrumentation,
		now:             time.Now,
	}
}

// SigningKey returns the signing key identified by keyID from the JWKS
// document at jwksURL. With a non-empty keyID, a cached unexpired entry is
// returned without network I/O; otherwise the full JWKS document is fetched
// and the matching key cached.
//
// With an empty keyID, keys are filtered by algorithm family and use:
// exactly one match is cached and returned, zero matches fail with
// ErrNoMatchingKey, and multiple matches fail with ErrAmbiguousKey.
func (c *Cache) SigningKey(ctx context.Context, jwksURL, keyID, algorithm, use string) (jwk.Key, error) {
	if keyID != "" {
		if key, ok := c.lookup(jwksURL, keyID); ok {
			c.instrumentation.RecordKeyLookup(ctx, "cache", "success")
			return key, nil
		}
	}

	set, err := c.fetchSet(ctx, jwksURL)
	if err != nil {
		c.instrumentation.RecordKeyLookup(ctx, "fetch", "error")
		return nil, err
	}

	if keyID != "" {
		key, ok := set.LookupKeyID(keyID)
		if !ok {
			c.instrumentation.RecordKeyLookup(ctx, "fetch", "error")
			return nil, fmt.Errorf("%w: key ID %q not in document from %s", ErrNoMatchingKey, keyID, jwksURL)
		}
		c.store(jwksURL, keyID, key)
		c.instrumentation.RecordKeyLookup(ctx, "fetch", "success")
		return key, nil
	}

	var matches []jwk.Key
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if matchesAlgorithm(key, algorithm) && matchesUse(key, use) {
			matches = append(matches, key)
		}
	}

	switch len(matches) {
	case 0:
		c.instrumentation.RecordKeyLookup(ctx, "fetch", "error")
		return nil, fmt.Errorf("%w: no key for algorithm %q use %q at %s", ErrNoMatchingKey, algorithm, use, jwksURL)
	case 1:
		key := matches[0]
		if kid := key.KeyID(); kid != "" {
			c.store(jwksURL, kid, key)
		}
		c.instrumentation.RecordKeyLookup(ctx, "fetch", "success")
		return key, nil
	default:
		c.instrumentation.RecordKeyLookup(ctx, "fetch", "error")
		return nil, fmt.Errorf("%w: %d keys for algorithm %q use %q at %s", ErrAmbiguousKey, len(matches), algorithm, use, jwksURL)
	}
}

// ClearCache drops all cached keys.
func (c *Cache) ClearCache() {
	c.keys.Range(func(key, _ any) bool {
		c.keys.Delete(key)
		return true
	})
}

func cacheKey(jwksURL, kid string) string {
	return jwksURL + "#" + kid
}

func (c *Cache) lookup(jwksURL, kid string) (jwk.Key, bool) {
	value, ok := c.keys.Load(cacheKey(jwksURL, kid))
	if !ok {
		return nil, false
	}
	entry := value.(*cachedKey)
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		c.keys.Delete(cacheKey(jwksURL, kid))
		return nil, false
	}
	return entry.key, true
}

func (c *Cache) store(jwksURL, kid string, key jwk.Key) {
	c.keys.Store(cacheKey(jwksURL, kid), &cachedKey{key: key, fetchedAt: c.now()})
}

func (c *Cache) fetchSet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrJWKSFetch, jwksURL, err)
	}
	c.logger.Debug("fetched JWKS document", "jwks_url", jwksURL, "keys", set.Len())
	return set, nil
}

// ============================================================================
// Key matching
// ============================================================================

// matchesAlgorithm reports whether a key can serve the requested algorithm.
// Keys that declare an alg must match it exactly; keys without one match on
// the algorithm's key type family.
func matchesAlgorithm(key jwk.Key, algorithm string) bool {
	if algorithm == "" {
		return true
	}
	if alg := key.Algorithm(); alg != nil && alg.String() != "" {
		return alg.String() == algorithm
	}
	return key.KeyType() == algorithmFamily(algorithm)
}

// matchesUse reports whether the key's declared use permits the requested
// use. Keys without a declared use match anything.
func matchesUse(key jwk.Key, use string) bool {
	if use == "" {
		return true
	}
	declared := key.KeyUsage()
	return declared == "" || declared == use
}

// algorithmFamily maps a JWS algorithm name to its key type.
func algorithmFamily(algorithm string) jwa.KeyType {
	switch {
	case strings.HasPrefix(algorithm, "RS"), strings.HasPrefix(algorithm, "PS"):
		return jwa.RSA
	case strings.HasPrefix(algorithm, "ES"):
		return jwa.EC
	case strings.HasPrefix(algorithm, "Ed"):
		return jwa.OKP
	case strings.HasPrefix(algorithm, "HS"):
		return jwa.OctetSeq
	default:
		return jwa.InvalidKeyType
	}
}
