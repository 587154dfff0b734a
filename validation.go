package broker

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/nimbusid/rp-broker/discovery"
	"github.com/nimbusid/rp-broker/internal/util"
	"github.com/nimbusid/rp-broker/storage"
)

// Validator performs the pure pre-checks every operation runs before doing
// network work. Safe for concurrent use.
type Validator struct {
	mu             sync.RWMutex
	allowedOpHosts []string
}

// NewValidator creates a validator with the given OP host allow-list.
// An empty list permits any host.
func NewValidator(allowedOpHosts []string) *Validator {
	return &Validator{allowedOpHosts: allowedOpHosts}
}

// SetAllowedOpHosts replaces the OP host allow-list.
func (v *Validator) SetAllowedOpHosts(hosts []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowedOpHosts = hosts
}

// ValidateRpID rejects blank RP identifiers.
func (v *Validator) ValidateRpID(rpID string) error {
	if strings.TrimSpace(rpID) == "" {
		return ErrNoRpID("RP ID is blank")
	}
	return nil
}

// ValidateOpHost rejects blank, unparseable, or non-allow-listed OP hosts.
// Allow-list comparison is by URL equality on scheme, host, and port;
// values without a scheme default to https.
func (v *Validator) ValidateOpHost(opHost string) error {
	if strings.TrimSpace(opHost) == "" {
		return ErrInvalidOpHost("OP host is blank")
	}

	hostURL, err := url.Parse(util.EnsureScheme(opHost))
	if err != nil || hostURL.Host == "" {
		return ErrInvalidOpHost(fmt.Sprintf("OP host %q is not a valid URL", opHost))
	}

	v.mu.RLock()
	allowed := v.allowedOpHosts
	v.mu.RUnlock()

	if len(allowed) == 0 {
		return nil
	}
	for _, entry := range allowed {
		entryURL, err := url.Parse(util.EnsureScheme(entry))
		if err != nil {
			continue
		}
		if hostURL.Scheme == entryURL.Scheme && hostURL.Host == entryURL.Host {
			return nil
		}
	}
	return ErrRestrictedOpHost(fmt.Sprintf("OP host %q is not in the allowed list", opHost))
}

// ValidateConfigurationEndpoint rejects explicit configuration endpoints
// that are not well-known discovery URLs. Blank is allowed; the OP host
// pair is used for derivation instead.
func (v *Validator) ValidateConfigurationEndpoint(endpoint string) error {
	if endpoint == "" {
		return nil
	}
	if !strings.Contains(endpoint, discovery.ConnectWellKnownPath) {
		return ErrInvalidConfigurationEndpoint(
			fmt.Sprintf("configuration endpoint %q does not contain %s", endpoint, discovery.ConnectWellKnownPath))
	}
	return nil
}

// ValidateRp runs the record-level checks applied to every RP handed out
// by the registry.
func (v *Validator) ValidateRp(rp *storage.Rp) error {
	if rp == nil {
		return ErrRpNotFound("RP record is nil")
	}
	if err := v.ValidateRpID(rp.ID); err != nil {
		return err
	}
	if rp.OpConfigurationEndpoint != "" {
		return v.ValidateConfigurationEndpoint(rp.OpConfigurationEndpoint)
	}
	return v.ValidateOpHost(rp.OpHost)
}
