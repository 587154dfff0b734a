package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/internal/util"
	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

// SyncService refreshes an RP's locally-cached client metadata from the
// AS's client-read endpoint when it has gone stale. Sync failures are never
// fatal to the calling operation; a stale record is preferred over blocking.
type SyncService struct {
	registry        *Registry
	httpClient      *http.Client
	logger          *slog.Logger
	clock           security.Clock
	instrumentation *instrumentation.Instrumentation
}

// NewSyncService creates a sync service over the given registry.
func NewSyncService(registry *Registry, httpClient *http.Client, logger *slog.Logger, clock security.Clock, inst *instrumentation.Instrumentation) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &SyncService{
		registry:        registry,
		httpClient:      httpClient,
		logger:          logger,
		clock:           clock,
		instrumentation: inst,
	}
}

// clientReadResponse is the registered-client metadata returned by the AS's
// client-read endpoint (RFC 7592).
type clientReadResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientName              string   `json:"client_name"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	JwksURI                 string   `json:"jwks_uri"`
	RedirectURIs            []string `json:"redirect_uris"`
	ResponseTypes           []string `json:"response_types"`
	GrantTypes              []string `json:"grant_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	FrontChannelLogoutURI   string   `json:"frontchannel_logout_uri"`
	AccessTokenAsJwt        bool     `json:"access_token_as_jwt"`
	RptAsJwt                bool     `json:"rpt_as_jwt"`
}

// EnsureFresh returns the record with its client metadata synced from the
// AS when the sync period has elapsed. On any failure the original record
// is returned unchanged and lastSynced is not advanced, so the next caller
// retries.
func (s *SyncService) EnsureFresh(ctx context.Context, rp *storage.Rp) *storage.Rp {
	now := s.clock.Now()
	if !s.shouldSync(rp, now) {
		return rp
	}

	start := time.Now()
	synced, err := s.sync(ctx, rp, now)
	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		s.instrumentation.RecordSyncRun(ctx, "error", durationMs)
		s.logger.Warn("client metadata sync failed, using stale record",
			"rp_id", rp.ID,
			"client_id", rp.ClientID,
			"error", err)
		return rp
	}

	s.instrumentation.RecordSyncRun(ctx, "success", durationMs)
	return synced
}

// shouldSync reports whether the record's client metadata is due for a
// refresh.
func (s *SyncService) shouldSync(rp *storage.Rp, now time.Time) bool {
	if !rp.SyncClientFromOp {
		return false
	}
	if rp.LastSynced.IsZero() {
		return true
	}
	due := rp.LastSynced.Add(time.Duration(rp.SyncClientPeriodSeconds) * time.Second)
	return !now.Before(due)
}

func (s *SyncService) sync(ctx context.Context, rp *storage.Rp, now time.Time) (*storage.Rp, error) {
	if rp.ClientRegistrationClientURI == "" {
		return nil, fmt.Errorf("RP %s has no client registration URI", rp.ID)
	}

	meta, err := s.readClient(ctx, rp)
	if err != nil {
		return nil, err
	}

	updated := rp.Copy()
	dirty := mergeClientMetadata(updated, meta)
	updated.LastSynced = now

	if !dirty {
		// Only lastSynced moved; refresh the cache without a store write
		s.registry.cache(updated)
		s.logger.Debug("client metadata unchanged", "rp_id", rp.ID)
		return updated, nil
	}

	s.logger.Info("client metadata changed, persisting",
		"rp_id", rp.ID,
		"client_id", updated.ClientID)
	if err := s.registry.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("persisting synced record: %w", err)
	}
	return updated, nil
}

func (s *SyncService) readClient(ctx context.Context, rp *storage.Rp) (*clientReadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rp.ClientRegistrationClientURI, nil)
	if err != nil {
		return nil, fmt.Errorf("building client-read request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+rp.ClientRegistrationAccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling client-read endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("client-read endpoint returned %d: %s", resp.StatusCode, util.SafeTruncate(string(body), 200))
	}

	var meta clientReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding client-read response: %w", err)
	}
	if meta.ClientID == "" {
		return nil, fmt.Errorf("client-read response missing client_id")
	}
	return &meta, nil
}

// mergeClientMetadata copies AS-returned fields into the record, reporting
// whether anything actually changed. Empty response fields never clobber
// existing values, except booleans which are authoritative.
func mergeClientMetadata(rp *storage.Rp, meta *clientReadResponse) bool {
	dirty := false

	setString := func(dst *string, src string) {
		if src != "" && src != *dst {
			*dst = src
			dirty = true
		}
	}
	setStrings := func(dst *[]string, src []string) {
		if len(src) > 0 && !slices.Equal(*dst, src) {
			*dst = slices.Clone(src)
			dirty = true
		}
	}

	setString(&rp.ClientID, meta.ClientID)
	setString(&rp.ClientSecret, meta.ClientSecret)
	setString(&rp.ClientName, meta.ClientName)
	setString(&rp.ClientJwksURI, meta.JwksURI)
	setString(&rp.TokenEndpointAuthMethod, meta.TokenEndpointAuthMethod)
	setString(&rp.FrontChannelLogoutURI, meta.FrontChannelLogoutURI)
	setStrings(&rp.RedirectURIs, meta.RedirectURIs)
	setStrings(&rp.ResponseTypes, meta.ResponseTypes)
	setStrings(&rp.GrantTypes, meta.GrantTypes)

	if scopes := splitScope(meta.Scope); len(scopes) > 0 && !slices.Equal(rp.Scope, scopes) {
		rp.Scope = scopes
		dirty = true
	}
	if meta.ClientSecretExpiresAt > 0 {
		expiry := time.Unix(meta.ClientSecretExpiresAt, 0)
		if !expiry.Equal(rp.ClientSecretExpiresAt) {
			rp.ClientSecretExpiresAt = expiry
			dirty = true
		}
	}
	if meta.AccessTokenAsJwt != rp.AccessTokenAsJwt {
		rp.AccessTokenAsJwt = meta.AccessTokenAsJwt
		dirty = true
	}
	if meta.RptAsJwt != rp.RptAsJwt {
		rp.RptAsJwt = meta.RptAsJwt
		dirty = true
	}

	return dirty
}
