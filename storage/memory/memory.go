// Package memory provides an in-memory implementation of the RP store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimbusid/rp-broker/instrumentation"
	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

// Store is an in-memory implementation of storage.RpStore.
// Records are deep-copied on the way in and out so callers can never mutate
// stored state through a shared pointer.
type Store struct {
	mu sync.RWMutex

	// RP records keyed by rp id (credentials encrypted at rest if encryptor is set)
	records map[string]*storage.Rp

	// Security
	encryptor *security.Encryptor // credential encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counter for metrics (lock-free access during metric collection)
	recordsCountAtomic atomic.Int64

	logger *slog.Logger
}

// Compile-time interface check
var _ storage.RpStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		records: make(map[string]*storage.Rp),
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the credential encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Credential encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counter with current count
	s.recordsCountAtomic.Store(int64(len(s.records)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callback using the atomic counter (lock-free)
		err := inst.RegisterStorageSizeCallback(
			func() int64 { return s.recordsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// ============================================================
// RpStore Implementation
// ============================================================

// Load retrieves a record by RP id and decrypts credentials if necessary
func (s *Store) Load(ctx context.Context, rpID string) (*storage.Rp, error) {
	ctx, span := s.startStorageSpan(ctx, "load")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "load", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	rp, ok := s.records[rpID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrRpNotFound, rpID)
		return nil, err
	}

	out := rp.Copy()
	if encryptor != nil && encryptor.IsEnabled() {
		if err = storage.DecryptRpSecrets(out, encryptor); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Save persists a record with optional encryption, replacing any previous version
func (s *Store) Save(ctx context.Context, rp *storage.Rp) error {
	ctx, span := s.startStorageSpan(ctx, "save")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save", err, startTime)
	}()

	if rp == nil || rp.ID == "" {
		err = fmt.Errorf("%w: missing rp id", storage.ErrInvalidRecord)
		return err
	}

	stored := rp.Copy()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if err = storage.EncryptRpSecrets(stored, s.encryptor); err != nil {
			return err
		}
		s.logger.Debug("Saved encrypted rp record", "rp_id", rp.ID)
	} else {
		s.logger.Debug("Saved rp record", "rp_id", rp.ID)
	}

	_, existed := s.records[rp.ID]
	s.records[rp.ID] = stored

	if !existed {
		s.recordsCountAtomic.Add(1)
	}

	return nil
}

// Delete removes a record. Returns true if a record was removed.
func (s *Store) Delete(ctx context.Context, rpID string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.records[rpID]
	if existed {
		delete(s.records, rpID)
		s.recordsCountAtomic.Add(-1)
		s.logger.Debug("Deleted rp record", "rp_id", rpID)
	}

	return existed, nil
}

// LoadAll retrieves every persisted record, decrypting credentials if necessary
func (s *Store) LoadAll(ctx context.Context) ([]*storage.Rp, error) {
	ctx, span := s.startStorageSpan(ctx, "load_all")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "load_all", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	records := make([]*storage.Rp, 0, len(s.records))
	for _, rp := range s.records {
		records = append(records, rp.Copy())
	}
	s.mu.RUnlock()

	if encryptor != nil && encryptor.IsEnabled() {
		for _, rp := range records {
			if err = storage.DecryptRpSecrets(rp, encryptor); err != nil {
				return nil, err
			}
		}
	}

	return records, nil
}

// Count returns the number of stored records
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation if tracing is configured
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("storage.type", "memory"),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
