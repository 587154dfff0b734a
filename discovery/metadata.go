package discovery

// ConnectMetadata represents an OpenID Connect discovery document.
// It contains the provider metadata as defined in RFC 8414, limited to the
// fields the broker consumes.
type ConnectMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	JWKSUri                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	ACRValuesSupported                []string `json:"acr_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// UmaMetadata represents a UMA 2.0 discovery document
// (/.well-known/uma2-configuration).
type UmaMetadata struct {
	Issuer                       string   `json:"issuer"`
	AuthorizationEndpoint        string   `json:"authorization_endpoint"`
	TokenEndpoint                string   `json:"token_endpoint"`
	RegistrationEndpoint         string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint        string   `json:"introspection_endpoint,omitempty"`
	PermissionEndpoint           string   `json:"permission_endpoint,omitempty"`
	ResourceRegistrationEndpoint string   `json:"resource_registration_endpoint,omitempty"`
	ClaimsInteractionEndpoint    string   `json:"claims_interaction_endpoint,omitempty"`
	JWKSUri                      string   `json:"jwks_uri"`
	ScopesSupported              []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported          []string `json:"grant_types_supported,omitempty"`
}
