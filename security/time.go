package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token expiration checks
	// This prevents false expiration errors due to time synchronization issues
	// between the broker, the authorization server, and downstream callers.
	//
	// Trade-offs:
	//   - Allows tokens to be used up to 5 seconds beyond their true expiration
	//   - This is acceptable for most use cases and improves reliability
	//   - For high-security scenarios, this can be reduced or disabled
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// Clock supplies the current time. Every expiry and staleness decision in the
// broker goes through a Clock so tests can control "now" deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used in production.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// IsExpiredAt checks if a timestamp is expired at the given instant,
// applying the default clock skew grace period.
func IsExpiredAt(now, expiresAt time.Time) bool {
	return IsExpiredAtWithGracePeriod(now, expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredAtWithGracePeriod checks if a timestamp is expired at the given
// instant with a custom clock skew grace period. A zero expiresAt means no
// expiration.
func IsExpiredAtWithGracePeriod(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	// Apply grace period: only expired if it's been expired for more than grace period
	return now.After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoonAt checks if a timestamp will expire within the given threshold
// of the given instant.
func IsExpiringSoonAt(now, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return now.Add(threshold).After(expiresAt)
}
