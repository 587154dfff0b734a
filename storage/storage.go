package storage

import (
	"context"
	"errors"
)

// Common sentinel errors returned by RpStore implementations.
var (
	// ErrRpNotFound indicates no record exists for the given RP id
	ErrRpNotFound = errors.New("rp record not found")

	// ErrInvalidRecord indicates a record that cannot be persisted (e.g. blank id)
	ErrInvalidRecord = errors.New("invalid rp record")
)

// RpStore defines the interface for persisting RP records.
// This allows using in-memory, Valkey/Redis, database, or other storage backends.
// All methods accept context.Context for tracing and cancellation.
type RpStore interface {
	// Load retrieves a record by RP id. Returns ErrRpNotFound if absent.
	Load(ctx context.Context, rpID string) (*Rp, error)

	// Save persists a record, replacing any previous version atomically.
	Save(ctx context.Context, rp *Rp) error

	// Delete removes a record. Returns true if a record was removed.
	Delete(ctx context.Context, rpID string) (bool, error)

	// LoadAll retrieves every persisted record.
	LoadAll(ctx context.Context) ([]*Rp, error)
}
