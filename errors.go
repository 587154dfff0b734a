package broker

import (
	"errors"
	"fmt"

	"github.com/nimbusid/rp-broker/discovery"
	"github.com/nimbusid/rp-broker/keys"
)

// Error kinds classify failures by who has to act on them.
type Kind string

const (
	// KindBadRequest indicates missing or invalid caller input.
	KindBadRequest Kind = "bad_request"

	// KindUnauthorized indicates an invalid or expired credential.
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden indicates a valid credential lacking required access.
	KindForbidden Kind = "forbidden"

	// KindNotFound indicates an unknown RP.
	KindNotFound Kind = "not_found"

	// KindUpstreamUnavailable indicates an AS network, TLS, or 5xx failure.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindUpstreamProtocolError indicates a malformed or semantically
	// inconsistent AS response.
	KindUpstreamProtocolError Kind = "upstream_protocol_error"
)

// Stable error codes surfaced to callers
const (
	CodeNoRpID                       = "no_rp_id"
	CodeRpNotFound                   = "rp_not_found"
	CodeInvalidOpHost                = "invalid_op_host"
	CodeRestrictedOpHost             = "restricted_op_host"
	CodeInvalidConfigurationEndpoint = "invalid_op_configuration_endpoint"
	CodeNoDiscoveryResponse          = "no_discovery_response"
	CodeSSLHandshakeError            = "ssl_handshake_error"
	CodeScopeMismatch                = "scope_mismatch"
	CodeInvalidState                 = "invalid_state"
	CodeNoMatchingKey                = "no_matching_key"
	CodeAmbiguousKey                 = "ambiguous_key"
	CodeFailedToGetToken             = "failed_to_get_token"
	CodeInvalidAccessToken           = "invalid_access_token"
	CodeNoClientIDInIntrospection    = "no_client_id_in_introspection_response"
	CodeInsufficientScope            = "access_token_insufficient_scope"
	CodeUpstreamError                = "upstream_error"
)

// Error is a typed broker failure carrying a stable code.
type Error struct {
	Kind        Kind   // failure classification
	Code        string // stable machine-readable code
	Description string // human-readable description
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new typed broker error
func NewError(kind Kind, code, description string) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Description: description,
	}
}

// Common broker errors as reusable constructors
var (
	// ErrNoRpID indicates a blank RP identifier
	ErrNoRpID = func(desc string) *Error {
		return NewError(KindBadRequest, CodeNoRpID, desc)
	}

	// ErrRpNotFound indicates an unknown RP identifier
	ErrRpNotFound = func(desc string) *Error {
		return NewError(KindNotFound, CodeRpNotFound, desc)
	}

	// ErrInvalidOpHost indicates a blank or unparseable OP host
	ErrInvalidOpHost = func(desc string) *Error {
		return NewError(KindBadRequest, CodeInvalidOpHost, desc)
	}

	// ErrRestrictedOpHost indicates an OP host outside the allow-list
	ErrRestrictedOpHost = func(desc string) *Error {
		return NewError(KindForbidden, CodeRestrictedOpHost, desc)
	}

	// ErrInvalidConfigurationEndpoint indicates a configuration endpoint
	// that is not a well-known discovery URL
	ErrInvalidConfigurationEndpoint = func(desc string) *Error {
		return NewError(KindBadRequest, CodeInvalidConfigurationEndpoint, desc)
	}

	// ErrNoDiscoveryResponse indicates an empty or invalid discovery document
	ErrNoDiscoveryResponse = func(desc string) *Error {
		return NewError(KindUpstreamProtocolError, CodeNoDiscoveryResponse, desc)
	}

	// ErrSSLHandshake indicates a TLS trust failure reaching the AS
	ErrSSLHandshake = func(desc string) *Error {
		return NewError(KindUpstreamUnavailable, CodeSSLHandshakeError, desc)
	}

	// ErrScopeMismatch indicates the AS granted a token without the
	// requested scope
	ErrScopeMismatch = func(desc string) *Error {
		return NewError(KindUpstreamProtocolError, CodeScopeMismatch, desc)
	}

	// ErrInvalidState indicates an authorize redirect whose state does not
	// match the one sent
	ErrInvalidState = func(desc string) *Error {
		return NewError(KindUpstreamProtocolError, CodeInvalidState, desc)
	}

	// ErrNoMatchingKey indicates no JWKS key satisfied the lookup
	ErrNoMatchingKey = func(desc string) *Error {
		return NewError(KindUpstreamProtocolError, CodeNoMatchingKey, desc)
	}

	// ErrAmbiguousKey indicates a key lookup that requires a key ID
	ErrAmbiguousKey = func(desc string) *Error {
		return NewError(KindUpstreamProtocolError, CodeAmbiguousKey, desc)
	}

	// ErrFailedToGetToken indicates token acquisition failed after the
	// bounded retry
	ErrFailedToGetToken = func(desc string) *Error {
		return NewError(KindUnauthorized, CodeFailedToGetToken, desc)
	}

	// ErrInvalidAccessToken indicates introspection reported the token inactive
	ErrInvalidAccessToken = func(desc string) *Error {
		return NewError(KindUnauthorized, CodeInvalidAccessToken, desc)
	}

	// ErrNoClientIDInIntrospection indicates an active token whose
	// introspection response carries no client ID
	ErrNoClientIDInIntrospection = func(desc string) *Error {
		return NewError(KindUpstreamProtocolError, CodeNoClientIDInIntrospection, desc)
	}

	// ErrInsufficientScope indicates an active token missing the required scope
	ErrInsufficientScope = func(desc string) *Error {
		return NewError(KindForbidden, CodeInsufficientScope, desc)
	}

	// ErrUpstream indicates an AS failure with no more specific code
	ErrUpstream = func(desc string) *Error {
		return NewError(KindUpstreamUnavailable, CodeUpstreamError, desc)
	}
)

// translateDiscoveryError maps discovery sentinel errors onto typed broker
// errors. Unrecognized errors are classified as upstream failures.
func translateDiscoveryError(err error) *Error {
	switch {
	case errors.Is(err, discovery.ErrInvalidConfigurationEndpoint):
		return ErrInvalidConfigurationEndpoint(err.Error())
	case errors.Is(err, discovery.ErrInvalidTarget):
		return ErrInvalidOpHost(err.Error())
	case errors.Is(err, discovery.ErrIssuerNotAllowed):
		return ErrRestrictedOpHost(err.Error())
	case errors.Is(err, discovery.ErrSSLHandshake):
		return ErrSSLHandshake(err.Error())
	case errors.Is(err, discovery.ErrNoDiscoveryResponse):
		return ErrNoDiscoveryResponse(err.Error())
	default:
		return ErrUpstream(err.Error())
	}
}

// translateKeyError maps key cache sentinel errors onto typed broker errors.
func translateKeyError(err error) *Error {
	switch {
	case errors.Is(err, keys.ErrNoMatchingKey):
		return ErrNoMatchingKey(err.Error())
	case errors.Is(err, keys.ErrAmbiguousKey):
		return ErrAmbiguousKey(err.Error())
	case errors.Is(err, keys.ErrJWKSFetch):
		return ErrUpstream(err.Error())
	default:
		return ErrUpstream(err.Error())
	}
}
