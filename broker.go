package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/nimbusid/rp-broker/discovery"
	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/keys"
	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

// Broker is the top-level entry point. Every operation runs the same
// pipeline: validation, RP lookup, client metadata sync, AS endpoint
// resolution, credential acquisition, persistence.
type Broker struct {
	config          Config
	logger          *slog.Logger
	clock           security.Clock
	httpClient      *http.Client
	instrumentation *instrumentation.Instrumentation

	validator     *Validator
	discovery     *discovery.Client
	keys          *keys.Cache
	registry      *Registry
	sync          *SyncService
	tokens        *TokenService
	introspection *IntrospectionService
}

// New creates a broker over the given record store.
func New(store storage.RpStore, cfg Config) (*Broker, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	cfg = cfg.withDefaults()

	validator := NewValidator(cfg.AllowedOpHosts)
	disc := discovery.New(discovery.Options{
		HTTPClient:      cfg.HTTPClient,
		CacheTTL:        cfg.DiscoveryCacheTTL,
		AllowedOpHosts:  cfg.AllowedOpHosts,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	keyCache := keys.New(keys.Options{
		HTTPClient:      cfg.HTTPClient,
		CacheTTL:        cfg.KeyCacheTTL,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	registry := NewRegistry(store, validator, cfg.RegistryTTL, cfg.Logger, cfg.Clock)
	syncService := NewSyncService(registry, cfg.HTTPClient, cfg.Logger, cfg.Clock, cfg.Instrumentation)
	tokens := NewTokenService(registry, disc, cfg.HTTPClient, TokenServiceOptions{
		ProtectionScope:     cfg.ProtectionScope,
		UseClientAuthForPat: !cfg.DisableClientAuthenticationForPat,
		Rate:                cfg.RateLimit.Rate,
		Burst:               cfg.RateLimit.Burst,
		Logger:              cfg.Logger,
		Clock:               cfg.Clock,
		Instrumentation:     cfg.Instrumentation,
	})
	introspection := NewIntrospectionService(registry, disc, tokens, cfg.HTTPClient, cfg.Logger, cfg.Clock, cfg.Instrumentation)

	return &Broker{
		config:          cfg,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		httpClient:      cfg.HTTPClient,
		instrumentation: cfg.Instrumentation,
		validator:       validator,
		discovery:       disc,
		keys:            keyCache,
		registry:        registry,
		sync:            syncService,
		tokens:          tokens,
		introspection:   introspection,
	}, nil
}

// SetAllowedOpHosts replaces the OP host allow-list on the validator and
// the discovery cache.
func (b *Broker) SetAllowedOpHosts(hosts []string) {
	b.validator.SetAllowedOpHosts(hosts)
	b.discovery.SetAllowedOpHosts(hosts)
}

// Registry exposes RP record management.
func (b *Broker) Registry() *Registry { return b.registry }

// Tokens exposes the token lifecycle service.
func (b *Broker) Tokens() *TokenService { return b.tokens }

// Introspection exposes the introspection service.
func (b *Broker) Introspection() *IntrospectionService { return b.introspection }

// Discovery exposes the discovery cache.
func (b *Broker) Discovery() *discovery.Client { return b.discovery }

// Keys exposes the signing key cache.
func (b *Broker) Keys() *keys.Cache { return b.keys }

// Validator exposes the validation gate.
func (b *Broker) Validator() *Validator { return b.validator }

// ============================================================================
// Operations
// ============================================================================

// GetPat returns a valid protection token for the RP, syncing stale client
// metadata first.
func (b *Broker) GetPat(ctx context.Context, rpID string) (*storage.Credential, error) {
	rp, err := b.freshRp(ctx, rpID)
	if err != nil {
		return nil, err
	}
	if rp.Pat.Valid(b.clock.Now()) {
		b.instrumentation.RecordTokenAcquisition(ctx, "pat", "cache", "success", 0)
		return rp.Pat, nil
	}
	return b.tokens.ObtainPat(ctx, rp)
}

// GetOauthToken returns a valid plain OAuth token for the RP, syncing stale
// client metadata first.
func (b *Broker) GetOauthToken(ctx context.Context, rpID string) (*storage.Credential, error) {
	rp, err := b.freshRp(ctx, rpID)
	if err != nil {
		return nil, err
	}
	if rp.OauthToken.Valid(b.clock.Now()) {
		b.instrumentation.RecordTokenAcquisition(ctx, "oauth", "cache", "success", 0)
		return rp.OauthToken, nil
	}
	return b.tokens.ObtainOauthToken(ctx, rp)
}

// IntrospectAccessToken introspects an access token for the RP.
func (b *Broker) IntrospectAccessToken(ctx context.Context, rpID, token string) (*IntrospectionResult, error) {
	if err := b.validator.ValidateRpID(rpID); err != nil {
		return nil, err
	}
	return b.introspection.IntrospectToken(ctx, rpID, token)
}

// IntrospectRpt introspects an RPT for the RP.
func (b *Broker) IntrospectRpt(ctx context.Context, rpID, rpt string) (*RptIntrospectionResult, error) {
	if err := b.validator.ValidateRpID(rpID); err != nil {
		return nil, err
	}
	return b.introspection.IntrospectRpt(ctx, rpID, rpt)
}

// ValidateAccessToken introspects the token and applies the access gate:
// the token must be active, bound to a client, and carry the configured
// protection scope.
func (b *Broker) ValidateAccessToken(ctx context.Context, rpID, token string) (*IntrospectionResult, error) {
	if token == "" {
		return nil, ErrInvalidAccessToken("access token is blank")
	}

	result, err := b.IntrospectAccessToken(ctx, rpID, token)
	if err != nil {
		return nil, err
	}
	if !result.Active {
		return nil, ErrInvalidAccessToken("access token introspects as inactive")
	}
	if result.ExpiresAt > 0 && security.IsExpiredAt(b.clock.Now(), time.Unix(result.ExpiresAt, 0)) {
		return nil, ErrInvalidAccessToken("access token is expired")
	}
	if result.ClientID == "" {
		return nil, ErrNoClientIDInIntrospection("introspection response carries no client ID")
	}
	rp, err := b.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}
	if result.ClientID != rp.ClientID {
		return nil, ErrInvalidAccessToken(fmt.Sprintf(
			"access token was issued to client %q, not to RP %s", result.ClientID, rpID))
	}
	if !scopeContains(result.Scope, b.config.ProtectionScope) {
		return nil, ErrInsufficientScope(fmt.Sprintf(
			"access token lacks required scope %q", b.config.ProtectionScope))
	}
	return result, nil
}

// GetSigningKey resolves an AS signing key for the RP via its JWKS
// endpoint.
func (b *Broker) GetSigningKey(ctx context.Context, rpID, keyID, algorithm, use string) (jwk.Key, error) {
	rp, err := b.freshRp(ctx, rpID)
	if err != nil {
		return nil, err
	}

	meta, err := b.discovery.ConnectMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}
	if meta.JWKSUri == "" {
		return nil, ErrNoDiscoveryResponse(fmt.Sprintf("AS for RP %s advertises no JWKS endpoint", rpID))
	}

	key, err := b.keys.SigningKey(ctx, meta.JWKSUri, keyID, algorithm, use)
	if err != nil {
		return nil, translateKeyError(err)
	}
	return key, nil
}

// freshRp runs the validation and sync steps shared by all operations.
func (b *Broker) freshRp(ctx context.Context, rpID string) (*storage.Rp, error) {
	if err := b.validator.ValidateRpID(rpID); err != nil {
		return nil, err
	}
	rp, err := b.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}
	return b.sync.EnsureFresh(ctx, rp), nil
}
