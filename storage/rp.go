package storage

import "time"

// Credential is a cached OAuth credential with the metadata needed to decide
// whether it can be reused without a round trip to the authorization server.
type Credential struct {
	// Token is the raw access token value
	Token string `json:"token,omitempty"`

	// RefreshToken is the refresh token issued alongside the access token, if any
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the token lifetime in seconds, counted from CreatedAt
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// CreatedAt is when the token was obtained
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Valid reports whether the credential can be reused at the given instant.
// A credential is valid iff it has a token and now is strictly before
// CreatedAt + ExpiresIn.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return now.Before(c.ExpiresAt())
}

// ExpiresAt returns the absolute expiry instant of the credential.
func (c *Credential) ExpiresAt() time.Time {
	return c.CreatedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// RptCredential is a cached UMA Requesting Party Token. Unlike Credential,
// its expiry is an absolute instant reported by token introspection rather
// than a lifetime relative to acquisition; the token endpoint's own expiry
// field is not trusted for RPTs.
type RptCredential struct {
	// Token is the raw RPT value
	Token string `json:"token,omitempty"`

	// TokenType is the token type reported by the AS (usually "Bearer")
	TokenType string `json:"token_type,omitempty"`

	// Pct is the persisted claims token associated with the RPT, if any
	Pct string `json:"pct,omitempty"`

	// Upgraded indicates the RPT was obtained by upgrading a prior RPT
	Upgraded bool `json:"upgraded,omitempty"`

	// CreatedAt is the issue time reported by introspection
	CreatedAt time.Time `json:"created_at,omitempty"`

	// ExpiresAt is the expiry instant reported by introspection
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the RPT can be reused at the given instant.
func (c *RptCredential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// Rp is a registered relying party: its binding to an authorization server,
// the client configuration mirrored from that server, and the credentials the
// broker has acquired on its behalf.
//
// Records are treated as immutable snapshots: mutors must Copy, modify the
// copy, and replace the whole record through the registry.
type Rp struct {
	// ID is the opaque, server-generated RP identifier. Immutable once assigned.
	ID string `json:"rp_id"`

	// OpHost is the authorization server base URL this RP is bound to
	OpHost string `json:"op_host"`

	// OpDiscoveryPath is an optional path segment inserted before the
	// well-known suffix when deriving discovery URLs
	OpDiscoveryPath string `json:"op_discovery_path,omitempty"`

	// OpConfigurationEndpoint optionally overrides the derived OpenID
	// configuration URL entirely
	OpConfigurationEndpoint string `json:"op_configuration_endpoint,omitempty"`

	// RedirectURI is the primary redirect URI registered for this client
	RedirectURI string `json:"redirect_uri,omitempty"`

	// Client credentials issued by the AS
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// Client metadata mirrored from the AS registration
	ClientName                    string    `json:"client_name,omitempty"`
	ClientRegistrationAccessToken string    `json:"client_registration_access_token,omitempty"`
	ClientRegistrationClientURI   string    `json:"client_registration_client_uri,omitempty"`
	ClientSecretExpiresAt         time.Time `json:"client_secret_expires_at,omitempty"`
	ClientJwksURI                 string    `json:"client_jwks_uri,omitempty"`
	RedirectURIs                  []string  `json:"redirect_uris,omitempty"`
	ResponseTypes                 []string  `json:"response_types,omitempty"`
	GrantTypes                    []string  `json:"grant_types,omitempty"`
	Scope                         []string  `json:"scope,omitempty"`
	ACRValues                     []string  `json:"acr_values,omitempty"`
	TokenEndpointAuthMethod       string    `json:"token_endpoint_auth_method,omitempty"`
	FrontChannelLogoutURI         string    `json:"front_channel_logout_uri,omitempty"`
	AccessTokenAsJwt              bool      `json:"access_token_as_jwt,omitempty"`
	RptAsJwt                      bool      `json:"rpt_as_jwt,omitempty"`

	// User-credential fallback, used only when client-credential grant is
	// disabled for protection-scope tokens
	UserID     string `json:"user_id,omitempty"`
	UserSecret string `json:"user_secret,omitempty"`

	// Sync bookkeeping
	SyncClientFromOp        bool      `json:"sync_client_from_op,omitempty"`
	SyncClientPeriodSeconds int64     `json:"sync_client_period_seconds,omitempty"`
	LastSynced              time.Time `json:"last_synced,omitempty"`

	// Cached credentials
	Pat        *Credential    `json:"pat,omitempty"`
	OauthToken *Credential    `json:"oauth_token,omitempty"`
	Rpt        *RptCredential `json:"rpt,omitempty"`
}

// Copy returns a deep copy of the record. The registry hands out copies so a
// caller can never mutate a cached record in place.
func (r *Rp) Copy() *Rp {
	if r == nil {
		return nil
	}

	c := *r
	c.RedirectURIs = copyStrings(r.RedirectURIs)
	c.ResponseTypes = copyStrings(r.ResponseTypes)
	c.GrantTypes = copyStrings(r.GrantTypes)
	c.Scope = copyStrings(r.Scope)
	c.ACRValues = copyStrings(r.ACRValues)

	if r.Pat != nil {
		pat := *r.Pat
		c.Pat = &pat
	}
	if r.OauthToken != nil {
		tok := *r.OauthToken
		c.OauthToken = &tok
	}
	if r.Rpt != nil {
		rpt := *r.Rpt
		c.Rpt = &rpt
	}

	return &c
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
