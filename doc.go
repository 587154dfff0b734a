// Package broker manages OAuth2, OpenID Connect, and UMA 2.0 credentials
// on behalf of registered relying parties.
//
// It keeps a registry of RP records over a pluggable record store, resolves
// authorization server endpoints through a discovery cache, syncs registered
// client metadata when it goes stale, and acquires protection tokens (PAT),
// plain OAuth tokens, and requesting party tokens (RPT) with expiry-aware
// reuse. Access tokens and RPTs are validated by AS introspection, with a
// single bounded retry after a forced credential refresh when the AS rejects
// the bearer.
//
// Basic usage:
//
//	store := memory.New()
//	b, err := broker.New(store, broker.Config{
//		AllowedOpHosts: []string{"https://op.example.com"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	pat, err := b.GetPat(ctx, rpID)
//
// All caches are process-wide and safe for concurrent use. Concurrent
// misses on the same key may fetch twice; the last writer wins and both
// callers receive a valid result.
package broker
