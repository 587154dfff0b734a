package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "rpbroker:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized RP record (64KB)
	// This prevents memory exhaustion from oversized payloads
	MaxRecordSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "rpbroker:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.RpStore.
// RP records are stored as JSON values under prefixed keys, which allows
// multiple broker instances to share one record set.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional credential encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface check
var _ storage.RpStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the credential encryptor for encryption at rest.
// When set, client secrets and cached token values are encrypted before
// storing in Valkey and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Credential encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// rpKey builds the Valkey key for an RP record
func (s *Store) rpKey(rpID string) string {
	return s.prefix + "rp:" + rpID
}

// ============================================================
// RpStore Implementation
// ============================================================

// Save persists a record with optional encryption, replacing any previous version
func (s *Store) Save(ctx context.Context, rp *storage.Rp) error {
	if rp == nil || rp.ID == "" {
		return fmt.Errorf("%w: missing rp id", storage.ErrInvalidRecord)
	}

	stored := rp.Copy()

	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		if err := storage.EncryptRpSecrets(stored, enc); err != nil {
			return err
		}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal rp record: %w", err)
	}

	if len(data) > MaxRecordSize {
		return fmt.Errorf("%w: serialized record exceeds %d bytes", storage.ErrInvalidRecord, MaxRecordSize)
	}

	key := s.rpKey(rp.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save rp record: %w", err)
	}

	if enc != nil && enc.IsEnabled() {
		s.logger.Debug("Saved encrypted rp record", "rp_id", rp.ID)
	} else {
		s.logger.Debug("Saved rp record", "rp_id", rp.ID)
	}
	return nil
}

// Load retrieves a record by RP id and decrypts credentials if necessary
func (s *Store) Load(ctx context.Context, rpID string) (*storage.Rp, error) {
	key := s.rpKey(rpID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrRpNotFound, rpID)
		}
		return nil, fmt.Errorf("failed to get rp record: %w", err)
	}

	var rp storage.Rp
	if err := json.Unmarshal([]byte(data), &rp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rp record: %w", err)
	}

	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		if err := storage.DecryptRpSecrets(&rp, enc); err != nil {
			return nil, err
		}
	}

	return &rp, nil
}

// Delete removes a record. Returns true if a record was removed.
func (s *Store) Delete(ctx context.Context, rpID string) (bool, error) {
	key := s.rpKey(rpID)

	removed, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to delete rp record: %w", err)
	}

	if removed > 0 {
		s.logger.Debug("Deleted rp record", "rp_id", rpID)
	}
	return removed > 0, nil
}

// LoadAll retrieves every persisted record via SCAN, decrypting credentials
// if necessary. Records that fail to unmarshal are skipped with a warning so
// one corrupt entry cannot take down a bulk read.
func (s *Store) LoadAll(ctx context.Context) ([]*storage.Rp, error) {
	pattern := s.prefix + "rp:*"
	enc := s.getEncryptor()

	// Use a map to deduplicate results (SCAN can return duplicates across iterations)
	recordMap := make(map[string]*storage.Rp)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan rp records: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := recordMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // Key may have been deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get rp record %s: %w", key, err)
			}

			var rp storage.Rp
			if err := json.Unmarshal([]byte(data), &rp); err != nil {
				s.logger.Warn("Failed to unmarshal rp record, skipping",
					"key", key,
					"error", err)
				continue
			}

			if enc != nil && enc.IsEnabled() {
				if err := storage.DecryptRpSecrets(&rp, enc); err != nil {
					return nil, err
				}
			}

			recordMap[key] = &rp
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	records := make([]*storage.Rp, 0, len(recordMap))
	for _, rp := range recordMap {
		records = append(records, rp)
	}
	return records, nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
