package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimbusid/rp-broker/internal/util"
	"github.com/nimbusid/rp-broker/storage"
)

// UmaTicketGrantType is the UMA 2.0 grant type for RPT requests.
const UmaTicketGrantType = "urn:ietf:params:oauth:grant-type:uma-ticket"

// RptParams carries the optional inputs of an RPT request.
type RptParams struct {
	// Ticket is the permission ticket obtained from the resource server.
	Ticket string

	// ClaimToken and ClaimTokenFormat push additional claims to the AS.
	ClaimToken       string
	ClaimTokenFormat string

	// Pct is a persisted claims token from a prior grant.
	Pct string

	// Scopes are the requested RPT scopes.
	Scopes []string

	// ForceNew skips the cached RPT even when it is still valid.
	ForceNew bool
}

// rptTokenResponse is the AS token-endpoint response to a uma-ticket grant.
type rptTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Pct              string `json:"pct"`
	Upgraded         bool   `json:"upgraded"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// GetRpt returns an RPT for the RP, reusing the cached one while valid.
// A fresh RPT is requested with the uma-ticket grant and immediately
// introspected; the introspection result is the only trusted source of the
// RPT's issue and expiry instants. An RPT that introspects inactive is an
// overall failure.
func (b *Broker) GetRpt(ctx context.Context, rpID string, params RptParams) (*storage.RptCredential, error) {
	if err := b.validator.ValidateRpID(rpID); err != nil {
		return nil, err
	}

	rp, err := b.registry.Get(ctx, rpID)
	if err != nil {
		return nil, err
	}
	rp = b.sync.EnsureFresh(ctx, rp)

	if !params.ForceNew && rp.Rpt.Valid(b.clock.Now()) {
		b.instrumentation.RecordTokenAcquisition(ctx, "rpt", "cache", "success", 0)
		return rp.Rpt, nil
	}

	start := time.Now()
	cred, err := b.obtainRpt(ctx, rp, params)
	durationMs := float64(time.Since(start).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	b.instrumentation.RecordTokenAcquisition(ctx, "rpt", "fresh", result, durationMs)
	return cred, err
}

func (b *Broker) obtainRpt(ctx context.Context, rp *storage.Rp, params RptParams) (*storage.RptCredential, error) {
	umaMeta, err := b.discovery.UmaMetadata(ctx, targetFor(rp))
	if err != nil {
		return nil, translateDiscoveryError(err)
	}

	response, err := b.requestRpt(ctx, rp, umaMeta.TokenEndpoint, params)
	if err != nil {
		return nil, err
	}

	intro, err := b.introspection.IntrospectRpt(ctx, rp.ID, response.AccessToken)
	if err != nil {
		return nil, err
	}
	if !intro.Active {
		return nil, ErrFailedToGetToken(fmt.Sprintf(
			"AS issued an RPT for RP %s that introspects as inactive", rp.ID))
	}

	cred := &storage.RptCredential{
		Token:     response.AccessToken,
		TokenType: response.TokenType,
		Pct:       response.Pct,
		Upgraded:  response.Upgraded,
		CreatedAt: time.Unix(intro.IssuedAt, 0),
		ExpiresAt: time.Unix(intro.ExpiresAt, 0),
	}

	rp.Rpt = cred
	if err := b.registry.Update(ctx, rp); err != nil {
		b.logger.Warn("failed to persist RPT", "rp_id", rp.ID, "error", err)
	}
	return cred, nil
}

// requestRpt posts the uma-ticket grant to the AS token endpoint with
// client Basic authentication.
func (b *Broker) requestRpt(ctx context.Context, rp *storage.Rp, tokenEndpoint string, params RptParams) (*rptTokenResponse, error) {
	form := url.Values{"grant_type": {UmaTicketGrantType}}
	if params.Ticket != "" {
		form.Set("ticket", params.Ticket)
	}
	if params.ClaimToken != "" {
		form.Set("claim_token", params.ClaimToken)
		form.Set("claim_token_format", params.ClaimTokenFormat)
	}
	if params.Pct != "" {
		form.Set("pct", params.Pct)
	}
	if len(params.Scopes) > 0 {
		form.Set("scope", strings.Join(params.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building RPT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(rp.ClientID, rp.ClientSecret)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, ErrUpstream(fmt.Sprintf("RPT request failed for RP %s: %v", rp.ID, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ErrUpstream(fmt.Sprintf("reading RPT response for RP %s: %v", rp.ID, err))
	}

	var response rptTokenResponse
	if err := json.Unmarshal(body, &response); err != nil || response.AccessToken == "" {
		return nil, ErrFailedToGetToken(fmt.Sprintf(
			"AS returned no RPT for RP %s (status %d): %s",
			rp.ID, resp.StatusCode, util.SafeTruncate(string(body), 200)))
	}
	return &response, nil
}
