// Package storage defines the persistence contract for RP records and the
// record types shared by all backends.
//
// The broker treats the store as a durable black box: records are written
// whole and read whole, never patched field-by-field, so a reader can never
// observe a record with an updated token but a stale expiry. Backends must be
// safe for concurrent use.
package storage
