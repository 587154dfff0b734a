package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/nimbusid/rp-broker/discovery"
	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/internal/util"
	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

// OpenIDScope is the scope requested for plain OAuth tokens.
const OpenIDScope = "openid"

// TokenService acquires and refreshes protection tokens (PAT) and plain
// OAuth tokens per RP. Cached credentials are reused while valid; fresh
// acquisition is throttled per RP.
type TokenService struct {
	registry        *Registry
	discovery       *discovery.Client
	httpClient      *http.Client
	logger          *slog.Logger
	clock           security.Clock
	instrumentation *instrumentation.Instrumentation

	protectionScope     string
	useClientAuthForPat bool

	limit    rate.Limit
	burst    int
	limiters sync.Map // rpID -> *rate.Limiter
}

// TokenServiceOptions configures a token service.
type TokenServiceOptions struct {
	ProtectionScope     string
	UseClientAuthForPat bool
	Rate                float64
	Burst               int
	Logger              *slog.Logger
	Clock               security.Clock
	Instrumentation     *instrumentation.Instrumentation
}

// NewTokenService creates a token service.
func NewTokenService(registry *Registry, disc *discovery.Client, httpClient *http.Client, opts TokenServiceOptions) *TokenService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}
	protectionScope := opts.ProtectionScope
	if protectionScope == "" {
		protectionScope = DefaultProtectionScope
	}
	return &TokenService{
		registry:            registry,
		discovery:           disc,
		httpClient:          httpClient,
		logger:              logger,
		clock:               clock,
		instrumentation:     opts.Instrumentation,
		protectionScope:     protectionScope,
		useClientAuthForPat: opts.UseClientAuthForPat,
		limit:               rate.Limit(opts.Rate),
		burst:               opts.Burst,
	}
}

// targetFor builds the discovery target for an RP.
func targetFor(rp *storage.Rp) discovery.Target {
	return discovery.Target{
		ConfigurationEndpoint: rp.OpConfigurationEndpoint,
		OpHost:                rp.OpHost,
		OpDiscoveryPath:       rp.OpDiscoveryPath,
	}
}

// ============================================================================
// Cached acquisition
// ============================================================================

// GetPat returns the RP's protection token, reusing the cached credential
// while it remains valid.
func (s *TokenService) GetPat(ctx context.Context, rpID string) (*storage.Credential, error) {
	rp, err := s.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}

	if rp.Pat.Valid(s.clock.Now()) {
		s.instrumentation.RecordTokenAcquisition(ctx, "pat", "cache", "success", 0)
		return rp.Pat, nil
	}

	return s.ObtainPat(ctx, rp)
}

// GetOauthToken returns the RP's plain OAuth token, reusing the cached
// credential while it remains valid.
func (s *TokenService) GetOauthToken(ctx context.Context, rpID string) (*storage.Credential, error) {
	rp, err := s.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}

	if rp.OauthToken.Valid(s.clock.Now()) {
		s.instrumentation.RecordTokenAcquisition(ctx, "oauth", "cache", "success", 0)
		return rp.OauthToken, nil
	}

	return s.ObtainOauthToken(ctx, rp)
}

// ============================================================================
// Fresh acquisition
// ============================================================================

// ObtainPat acquires a fresh protection token, bypassing the cached
// credential, and persists it on the RP record. Persistence failures are
// logged; the acquired credential is still returned.
func (s *TokenService) ObtainPat(ctx context.Context, rp *storage.Rp) (*storage.Credential, error) {
	start := time.Now()
	cred, err := s.obtainPat(ctx, rp)
	durationMs := float64(time.Since(start).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.RecordTokenAcquisition(ctx, "pat", "fresh", result, durationMs)
	return cred, err
}

func (s *TokenService) obtainPat(ctx context.Context, rp *storage.Rp) (*storage.Credential, error) {
	if err := s.throttle(ctx, rp.ID); err != nil {
		return nil, err
	}

	umaMeta, err := s.discovery.UmaMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}

	var cred *storage.Credential
	if s.useClientAuthForPat || rp.UserID == "" {
		cred, err = s.clientCredentialGrant(ctx, rp, umaMeta.TokenEndpoint, []string{s.protectionScope})
	} else {
		cred, err = s.userCredentialGrant(ctx, rp, []string{OpenIDScope, s.protectionScope})
	}
	if err != nil {
		return nil, err
	}

	rp.Pat = cred
	s.persist(ctx, rp, "pat")
	return cred, nil
}

// ObtainOauthToken acquires a fresh plain OAuth token via the
// client-credential grant, bypassing the cached credential.
func (s *TokenService) ObtainOauthToken(ctx context.Context, rp *storage.Rp) (*storage.Credential, error) {
	start := time.Now()
	cred, err := s.obtainOauthToken(ctx, rp)
	durationMs := float64(time.Since(start).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.RecordTokenAcquisition(ctx, "oauth", "fresh", result, durationMs)
	return cred, err
}

func (s *TokenService) obtainOauthToken(ctx context.Context, rp *storage.Rp) (*storage.Credential, error) {
	if err := s.throttle(ctx, rp.ID); err != nil {
		return nil, err
	}

	connectMeta, err := s.discovery.ConnectMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}

	cred, err := s.clientCredentialGrant(ctx, rp, connectMeta.TokenEndpoint, []string{OpenIDScope})
	if err != nil {
		return nil, err
	}

	rp.OauthToken = cred
	s.persist(ctx, rp, "oauth")
	return cred, nil
}

// ============================================================================
// Grant strategies
// ============================================================================

// clientCredentialGrant runs the client_credentials grant and verifies the
// AS actually granted every requested scope. A scope mismatch is a hard
// failure and the credential is discarded.
func (s *TokenService) clientCredentialGrant(ctx context.Context, rp *storage.Rp, tokenEndpoint string, scopes []string) (*storage.Credential, error) {
	conf := clientcredentials.Config{
		ClientID:     rp.ClientID,
		ClientSecret: rp.ClientSecret,
		TokenURL:     tokenEndpoint,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	tok, err := s.retrieveWithRetry(ctx, rp.ID, "client_credentials", func() (*oauth2.Token, error) {
		return conf.Token(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient))
	})
	if err != nil {
		return nil, translateTokenError(err, rp.ID)
	}

	granted := grantedScope(tok)
	for _, scope := range scopes {
		if len(granted) > 0 && !scopeContains(granted, scope) {
			return nil, ErrScopeMismatch(fmt.Sprintf(
				"AS granted scope %q without requested %q for RP %s",
				strings.Join(granted, " "), scope, rp.ID))
		}
	}

	s.logger.Debug("client-credential grant succeeded",
		"rp_id", rp.ID,
		"client_id", rp.ClientID,
		"scope", strings.Join(granted, " "))
	return credentialFromToken(tok, s.clock.Now()), nil
}

// userCredentialGrant runs the two-step resource-owner flow: an authorize
// call with prompt=none authenticated by the RP's user credentials, then an
// authorization-code exchange with client_secret_basic auth.
func (s *TokenService) userCredentialGrant(ctx context.Context, rp *storage.Rp, scopes []string) (*storage.Credential, error) {
	connectMeta, err := s.discovery.ConnectMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}

	state := uuid.NewString()
	code, err := s.authorizeWithUserCredentials(ctx, rp, connectMeta.AuthorizationEndpoint, scopes, state)
	if err != nil {
		return nil, err
	}

	conf := oauth2.Config{
		ClientID:     rp.ClientID,
		ClientSecret: rp.ClientSecret,
		RedirectURL:  rp.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  connectMeta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	tok, err := s.retrieveWithRetry(ctx, rp.ID, "authorization_code", func() (*oauth2.Token, error) {
		return conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), code)
	})
	if err != nil {
		return nil, translateTokenError(err, rp.ID)
	}

	s.logger.Debug("user-credential grant succeeded", "rp_id", rp.ID, "client_id", rp.ClientID)
	return credentialFromToken(tok, s.clock.Now()), nil
}

// authorizeWithUserCredentials performs the authorize step and returns the
// authorization code from the redirect. The returned state must match the
// one sent, otherwise the flow fails without a token.
func (s *TokenService) authorizeWithUserCredentials(ctx context.Context, rp *storage.Rp, authorizeEndpoint string, scopes []string, state string) (string, error) {
	query := url.Values{
		"response_type": {"code"},
		"client_id":     {rp.ClientID},
		"redirect_uri":  {rp.RedirectURI},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {state},
		"prompt":        {"none"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("building authorize request: %w", err)
	}
	req.SetBasicAuth(rp.UserID, rp.UserSecret)

	// Capture the redirect rather than following it
	client := *s.httpClient
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", ErrUpstream(fmt.Sprintf("authorize call failed for RP %s: %v", rp.ID, err))
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode >= 400 || location == "" {
		return "", ErrFailedToGetToken(fmt.Sprintf(
			"authorize endpoint returned %d without a redirect for RP %s", resp.StatusCode, rp.ID))
	}

	redirect, err := url.Parse(location)
	if err != nil {
		return "", ErrFailedToGetToken(fmt.Sprintf("unparseable authorize redirect for RP %s", rp.ID))
	}
	params := redirect.Query()

	if returned := params.Get("state"); returned != state {
		return "", ErrInvalidState(fmt.Sprintf(
			"authorize redirect state %q does not match sent state for RP %s",
			util.SafeTruncate(returned, 16), rp.ID))
	}
	code := params.Get("code")
	if code == "" {
		return "", ErrFailedToGetToken(fmt.Sprintf(
			"authorize redirect carries no code for RP %s: %s",
			rp.ID, util.SafeTruncate(params.Get("error_description"), 200)))
	}
	return code, nil
}

// ============================================================================
// Helpers
// ============================================================================

// retrieveWithRetry runs a token fetch and, when the AS rejects it with a
// 400 or 401, retries exactly once. A second rejection is final.
func (s *TokenService) retrieveWithRetry(ctx context.Context, rpID, grantType string, fetch func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	tok, err := fetch()
	if err == nil || !isAuthRejection(err) {
		return tok, err
	}

	s.instrumentation.RecordTokenRetry(ctx, grantType)
	s.logger.Debug("AS rejected token request, retrying once",
		"rp_id", rpID,
		"grant_type", grantType)
	return fetch()
}

// isAuthRejection reports whether the token endpoint rejected the request
// outright rather than failing transport-level.
func isAuthRejection(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return false
	}
	code := retrieveErr.Response.StatusCode
	return code == http.StatusBadRequest || code == http.StatusUnauthorized
}

// throttle applies the per-RP acquisition limiter. A negative configured
// rate disables throttling.
func (s *TokenService) throttle(ctx context.Context, rpID string) error {
	if s.limit < 0 {
		return nil
	}
	limiter := s.limiterFor(rpID)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("token acquisition throttled for RP %s: %w", rpID, err)
	}
	return nil
}

func (s *TokenService) limiterFor(rpID string) *rate.Limiter {
	if v, ok := s.limiters.Load(rpID); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := s.limiters.LoadOrStore(rpID, rate.NewLimiter(s.limit, s.burst))
	return actual.(*rate.Limiter)
}

// persist saves the record after a credential refresh. Failures are logged,
// not propagated; the in-memory credential is still returned to the caller.
func (s *TokenService) persist(ctx context.Context, rp *storage.Rp, tokenType string) {
	if err := s.registry.Update(ctx, rp); err != nil {
		s.logger.Warn("failed to persist refreshed credential",
			"rp_id", rp.ID,
			"token_type", tokenType,
			"error", err)
	}
}

// credentialFromToken converts an oauth2 token into a cached credential.
func credentialFromToken(tok *oauth2.Token, now time.Time) *storage.Credential {
	var expiresIn int64
	if v, ok := tok.Extra("expires_in").(float64); ok && v > 0 {
		expiresIn = int64(v)
	} else if !tok.Expiry.IsZero() {
		expiresIn = int64(tok.Expiry.Sub(now).Seconds())
	}
	return &storage.Credential{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
		CreatedAt:    now,
	}
}

// translateTokenError maps oauth2 retrieval failures onto typed errors.
// AS rejections (4xx) surface as failed_to_get_token; everything else is
// an upstream failure.
func translateTokenError(err error, rpID string) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return ErrFailedToGetToken(fmt.Sprintf(
			"AS rejected token request for RP %s with %d: %s",
			rpID, retrieveErr.Response.StatusCode, util.SafeTruncate(string(retrieveErr.Body), 200)))
	}
	return ErrUpstream(fmt.Sprintf("token request failed for RP %s: %v", rpID, err))
}

// grantedScope extracts the granted scope list from a token response.
func grantedScope(tok *oauth2.Token) []string {
	if v, ok := tok.Extra("scope").(string); ok {
		return splitScope(v)
	}
	return nil
}

func splitScope(s string) []string {
	return strings.Fields(s)
}

func scopeContains(granted []string, required string) bool {
	for _, scope := range granted {
		if scope == required {
			return true
		}
	}
	return false
}
