// Package security provides shared security primitives for the rp-broker library.
//
// It covers encryption of RP credentials at rest (AES-256-GCM with HKDF key
// derivation), clock-skew tolerant expiry checks, and the Clock abstraction
// used by every component that evaluates token or cache expiry, so tests can
// simulate the passage of time without sleeping.
package security
