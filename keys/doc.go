// Package keys caches authorization server signing keys fetched from JWKS
// endpoints.
//
// Keys are cached per (JWKS endpoint, key ID) with a configurable TTL,
// evaluated lazily at lookup time. A lookup miss re-fetches the full JWKS
// document and repopulates the entry. When the caller has no key ID, keys
// are selected by algorithm family and declared use; a selection that does
// not narrow to exactly one key fails rather than guessing.
package keys
