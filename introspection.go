package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimbusid/rp-broker/discovery"
	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/internal/util"
	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

// ============================================================================
// Result types
// ============================================================================

// IntrospectionResult is the canonical access-token introspection outcome.
type IntrospectionResult struct {
	Active    bool     `json:"active"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Scope     []string `json:"scope,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	ACRValues string   `json:"acr_values,omitempty"`
}

// UmaPermission is a granted UMA permission on an RPT.
type UmaPermission struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"resource_scopes,omitempty"`
	ExpiresAt  int64    `json:"exp,omitempty"`
}

// RptIntrospectionResult is the canonical RPT introspection outcome.
type RptIntrospectionResult struct {
	Active      bool            `json:"active"`
	ClientID    string          `json:"client_id,omitempty"`
	IssuedAt    int64           `json:"iat,omitempty"`
	ExpiresAt   int64           `json:"exp,omitempty"`
	Permissions []UmaPermission `json:"permissions,omitempty"`
}

// ============================================================================
// Service
// ============================================================================

// IntrospectionService validates access tokens and RPTs against the AS,
// normalizing the canonical and legacy response schemas. A 400/401 on the
// introspection call triggers exactly one retry after forcing a refresh of
// the bearer credential.
type IntrospectionService struct {
	registry        *Registry
	discovery       *discovery.Client
	tokens          *TokenService
	httpClient      *http.Client
	logger          *slog.Logger
	clock           security.Clock
	instrumentation *instrumentation.Instrumentation
}

// NewIntrospectionService creates an introspection service.
func NewIntrospectionService(registry *Registry, disc *discovery.Client, tokens *TokenService, httpClient *http.Client, logger *slog.Logger, clock security.Clock, inst *instrumentation.Instrumentation) *IntrospectionService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &IntrospectionService{
		registry:        registry,
		discovery:       disc,
		tokens:          tokens,
		httpClient:      httpClient,
		logger:          logger,
		clock:           clock,
		instrumentation: inst,
	}
}

// IntrospectToken introspects an access token at the AS's OpenID Connect
// introspection endpoint, bearer-authenticated with the RP's OAuth token.
func (s *IntrospectionService) IntrospectToken(ctx context.Context, rpID, token string) (*IntrospectionResult, error) {
	start := time.Now()
	result, err := s.introspectToken(ctx, rpID, token)
	s.record(ctx, "access_token", err, start)
	return result, err
}

func (s *IntrospectionService) introspectToken(ctx context.Context, rpID, token string) (*IntrospectionResult, error) {
	rp, err := s.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}

	meta, err := s.discovery.ConnectMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}
	if meta.IntrospectionEndpoint == "" {
		return nil, ErrNoDiscoveryResponse(fmt.Sprintf("AS for RP %s advertises no introspection endpoint", rpID))
	}

	body, err := s.callWithRetry(ctx, rp, meta.IntrospectionEndpoint, token, "access_token",
		func(ctx context.Context) (string, error) {
			cred, err := s.tokens.GetOauthToken(ctx, rpID)
			if err != nil {
				return "", err
			}
			return cred.Token, nil
		},
		func(ctx context.Context) (string, error) {
			cred, err := s.tokens.ObtainOauthToken(ctx, rp)
			if err != nil {
				return "", err
			}
			return cred.Token, nil
		})
	if err != nil {
		return nil, err
	}

	return parseIntrospection(body)
}

// IntrospectRpt introspects an RPT at the AS's UMA introspection endpoint,
// bearer-authenticated with the RP's protection token.
func (s *IntrospectionService) IntrospectRpt(ctx context.Context, rpID, rpt string) (*RptIntrospectionResult, error) {
	start := time.Now()
	result, err := s.introspectRpt(ctx, rpID, rpt)
	s.record(ctx, "rpt", err, start)
	return result, err
}

func (s *IntrospectionService) introspectRpt(ctx context.Context, rpID, rpt string) (*RptIntrospectionResult, error) {
	rp, err := s.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}

	meta, err := s.discovery.UmaMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}
	if meta.IntrospectionEndpoint == "" {
		return nil, ErrNoDiscoveryResponse(fmt.Sprintf("AS for RP %s advertises no UMA introspection endpoint", rpID))
	}

	body, err := s.callWithRetry(ctx, rp, meta.IntrospectionEndpoint, rpt, "rpt",
		func(ctx context.Context) (string, error) {
			cred, err := s.tokens.GetPat(ctx, rpID)
			if err != nil {
				return "", err
			}
			return cred.Token, nil
		},
		func(ctx context.Context) (string, error) {
			cred, err := s.tokens.ObtainPat(ctx, rp)
			if err != nil {
				return "", err
			}
			return cred.Token, nil
		})
	if err != nil {
		return nil, err
	}

	return parseRptIntrospection(body)
}

func (s *IntrospectionService) record(ctx context.Context, kind string, err error, start time.Time) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.RecordIntrospection(ctx, kind, result, float64(time.Since(start).Milliseconds()))
}

// callWithRetry posts the token to the introspection endpoint. On a 400 or
// 401 the bearer credential is forcibly refreshed and the call retried
// exactly once; a second rejection propagates.
func (s *IntrospectionService) callWithRetry(ctx context.Context, rp *storage.Rp, endpoint, token, kind string, bearer, refreshBearer func(context.Context) (string, error)) ([]byte, error) {
	bearerToken, err := bearer(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := s.post(ctx, endpoint, bearerToken, token)
	if err != nil {
		return nil, ErrUpstream(fmt.Sprintf("introspection call failed for RP %s: %v", rp.ID, err))
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		s.instrumentation.RecordTokenRetry(ctx, kind)
		s.logger.Info("introspection rejected, refreshing bearer and retrying once",
			"rp_id", rp.ID,
			"status", status)

		bearerToken, err = refreshBearer(ctx)
		if err != nil {
			return nil, err
		}
		status, body, err = s.post(ctx, endpoint, bearerToken, token)
		if err != nil {
			return nil, ErrUpstream(fmt.Sprintf("introspection retry failed for RP %s: %v", rp.ID, err))
		}
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, ErrFailedToGetToken(fmt.Sprintf(
				"introspection for RP %s rejected with %d after credential refresh: %s",
				rp.ID, status, util.SafeTruncate(string(body), 200)))
		}
	}
	if status != http.StatusOK {
		return nil, ErrUpstream(fmt.Sprintf(
			"introspection endpoint returned %d for RP %s: %s",
			status, rp.ID, util.SafeTruncate(string(body), 200)))
	}
	return body, nil
}

func (s *IntrospectionService) post(ctx context.Context, endpoint, bearer, token string) (int, []byte, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading introspection response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// ============================================================================
// Response parsing
// ============================================================================

// canonicalIntrospection is the RFC 7662 response shape; scope is a
// space-separated string.
type canonicalIntrospection struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id"`
	Subject   string `json:"sub"`
	Scope     string `json:"scope"`
	Issuer    string `json:"iss"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	JTI       string `json:"jti"`
	ACRValues string `json:"acr_values"`
}

// legacyIntrospection is the response shape of older AS versions: subject
// and scopes under different names, timestamps as explicit
// seconds-since-epoch fields.
type legacyIntrospection struct {
	Active    bool     `json:"active"`
	ClientID  string   `json:"client_id"`
	Subject   string   `json:"subject"`
	Scopes    []string `json:"scopes"`
	ScopeList []string `json:"scope"`
	Issuer    string   `json:"issuer"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt int64    `json:"expires_at"`
	JTI       string   `json:"jti"`
	ACRValues string   `json:"acr_values"`
}

// parseIntrospection decodes an introspection response, falling back to the
// legacy schema when the canonical one does not fit: either the canonical
// decode fails outright (scope as a JSON array), or it succeeds with every
// canonical-only field empty while the legacy names carry data. If both
// schemas fail, the canonical parse error propagates.
func parseIntrospection(body []byte) (*IntrospectionResult, error) {
	var canonical canonicalIntrospection
	canonicalErr := json.Unmarshal(body, &canonical)
	if canonicalErr == nil && (canonical.Subject != "" || canonical.Scope != "" || canonical.ExpiresAt > 0 || !canonical.Active) {
		return &IntrospectionResult{
			Active:    canonical.Active,
			ClientID:  canonical.ClientID,
			Subject:   canonical.Subject,
			Scope:     splitScope(canonical.Scope),
			Issuer:    canonical.Issuer,
			IssuedAt:  canonical.IssuedAt,
			ExpiresAt: canonical.ExpiresAt,
			JTI:       canonical.JTI,
			ACRValues: canonical.ACRValues,
		}, nil
	}

	var legacy legacyIntrospection
	if err := json.Unmarshal(body, &legacy); err == nil && (legacy.Subject != "" || len(legacy.Scopes) > 0 || len(legacy.ScopeList) > 0 || legacy.ExpiresAt > 0) {
		scopes := legacy.Scopes
		if len(scopes) == 0 {
			scopes = legacy.ScopeList
		}
		return &IntrospectionResult{
			Active:    legacy.Active,
			ClientID:  legacy.ClientID,
			Subject:   legacy.Subject,
			Scope:     scopes,
			Issuer:    legacy.Issuer,
			IssuedAt:  legacy.IssuedAt,
			ExpiresAt: legacy.ExpiresAt,
			JTI:       legacy.JTI,
			ACRValues: legacy.ACRValues,
		}, nil
	}

	if canonicalErr != nil {
		return nil, ErrUpstream(fmt.Sprintf("unparseable introspection response: %v", canonicalErr))
	}
	return &IntrospectionResult{
		Active:   canonical.Active,
		ClientID: canonical.ClientID,
		JTI:      canonical.JTI,
	}, nil
}

type canonicalRptIntrospection struct {
	Active      bool            `json:"active"`
	ClientID    string          `json:"client_id"`
	IssuedAt    int64           `json:"iat"`
	ExpiresAt   int64           `json:"exp"`
	Permissions []UmaPermission `json:"permissions"`
}

type legacyRptPermission struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"scopes"`
	ExpiresAt  int64    `json:"expires_at"`
}

type legacyRptIntrospection struct {
	Active      bool                  `json:"active"`
	ClientID    string                `json:"client_id"`
	IssuedAt    int64                 `json:"issued_at"`
	ExpiresAt   int64                 `json:"expires_at"`
	Permissions []legacyRptPermission `json:"permissions"`
}

// parseRptIntrospection mirrors parseIntrospection for RPT responses. A
// canonical result without expiry or permissions falls through to the legacy
// schema, which carries the same facts under different field names.
func parseRptIntrospection(body []byte) (*RptIntrospectionResult, error) {
	var canonical canonicalRptIntrospection
	canonicalErr := json.Unmarshal(body, &canonical)
	if canonicalErr == nil && (!canonical.Active || canonical.ExpiresAt > 0) {
		return rptFromCanonical(&canonical), nil
	}

	var legacy legacyRptIntrospection
	if err := json.Unmarshal(body, &legacy); err == nil && (legacy.ExpiresAt > 0 || len(legacy.Permissions) > 0) {
		permissions := make([]UmaPermission, 0, len(legacy.Permissions))
		for _, p := range legacy.Permissions {
			permissions = append(permissions, UmaPermission{
				ResourceID: p.ResourceID,
				Scopes:     p.Scopes,
				ExpiresAt:  p.ExpiresAt,
			})
		}
		return &RptIntrospectionResult{
			Active:      legacy.Active,
			ClientID:    legacy.ClientID,
			IssuedAt:    legacy.IssuedAt,
			ExpiresAt:   legacy.ExpiresAt,
			Permissions: permissions,
		}, nil
	}

	if canonicalErr != nil {
		return nil, ErrUpstream(fmt.Sprintf("unparseable RPT introspection response: %v", canonicalErr))
	}
	return rptFromCanonical(&canonical), nil
}

func rptFromCanonical(canonical *canonicalRptIntrospection) *RptIntrospectionResult {
	return &RptIntrospectionResult{
		Active:      canonical.Active,
		ClientID:    canonical.ClientID,
		IssuedAt:    canonical.IssuedAt,
		ExpiresAt:   canonical.ExpiresAt,
		Permissions: canonical.Permissions,
	}
}
