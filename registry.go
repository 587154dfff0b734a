package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusid/rp-broker/security"
	"github.com/nimbusid/rp-broker/storage"
)

// cachedRp holds a registry cache entry with its load timestamp.
type cachedRp struct {
	rp       *storage.Rp
	cachedAt time.Time
}

// Registry is a TTL-evicting cache of RP records over the record store.
// Every record handed out passes validation and is a deep copy, so callers
// cannot mutate cache entries; updates replace the whole record atomically.
// Safe for concurrent use.
type Registry struct {
	store     storage.RpStore
	validator *Validator
	ttl       time.Duration
	logger    *slog.Logger
	clock     security.Clock

	mu      sync.RWMutex
	records map[string]*cachedRp
}

// NewRegistry creates a registry over the given record store.
func NewRegistry(store storage.RpStore, validator *Validator, ttl time.Duration, logger *slog.Logger, clock security.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &Registry{
		store:     store,
		validator: validator,
		ttl:       ttl,
		logger:    logger,
		clock:     clock,
		records:   make(map[string]*cachedRp),
	}
}

// Get returns the RP with the given ID, from cache when fresh, falling
// through to the record store on a miss. Records failing validation are
// never returned.
func (r *Registry) Get(ctx context.Context, rpID string) (*storage.Rp, error) {
	if err := r.validator.ValidateRpID(rpID); err != nil {
		return nil, err
	}

	if rp, ok := r.cached(rpID); ok {
		if err := r.validator.ValidateRp(rp); err != nil {
			return nil, err
		}
		return rp, nil
	}

	rp, err := r.store.Load(ctx, rpID)
	if err != nil {
		if errors.Is(err, storage.ErrRpNotFound) {
			return nil, ErrRpNotFound(fmt.Sprintf("RP %q not found", rpID))
		}
		return nil, fmt.Errorf("loading RP %s: %w", rpID, err)
	}
	if err := r.validator.ValidateRp(rp); err != nil {
		return nil, err
	}

	r.cache(rp)
	return rp.Copy(), nil
}

// GetByClientID scans the cached entries for a record with the given client
// ID. This is a secondary low-frequency lookup path; records not currently
// cached are not found.
func (r *Registry) GetByClientID(clientID string) (*storage.Rp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	for _, entry := range r.records {
		if r.expired(entry, now) {
			continue
		}
		if entry.rp.ClientID == clientID {
			return entry.rp.Copy(), true
		}
	}
	return nil, false
}

// Create persists a new RP record, generating an ID when absent. Creation
// is a no-op if a record with the same ID is already cached.
func (r *Registry) Create(ctx context.Context, rp *storage.Rp) (*storage.Rp, error) {
	if rp == nil {
		return nil, ErrNoRpID("RP record is nil")
	}
	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}

	if _, ok := r.cached(rp.ID); ok {
		r.logger.Warn("RP already cached, skipping create", "rp_id", rp.ID)
		return r.Get(ctx, rp.ID)
	}

	if err := r.validator.ValidateRp(rp); err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, rp); err != nil {
		return nil, fmt.Errorf("saving RP %s: %w", rp.ID, err)
	}

	r.cache(rp)
	r.logger.Info("RP created", "rp_id", rp.ID, "op_host", rp.OpHost)
	return rp.Copy(), nil
}

// Update persists the record and replaces the cache entry as a unit.
func (r *Registry) Update(ctx context.Context, rp *storage.Rp) error {
	if err := r.validator.ValidateRp(rp); err != nil {
		return err
	}
	if err := r.store.Save(ctx, rp); err != nil {
		return fmt.Errorf("saving RP %s: %w", rp.ID, err)
	}
	r.cache(rp)
	return nil
}

// Remove deletes the record from the store and invalidates the cache
// entry. It reports whether a persisted record existed.
func (r *Registry) Remove(ctx context.Context, rpID string) (bool, error) {
	if err := r.validator.ValidateRpID(rpID); err != nil {
		return false, err
	}

	r.mu.Lock()
	delete(r.records, rpID)
	r.mu.Unlock()

	existed, err := r.store.Delete(ctx, rpID)
	if err != nil {
		return false, fmt.Errorf("deleting RP %s: %w", rpID, err)
	}
	r.logger.Info("RP removed", "rp_id", rpID, "existed", existed)
	return existed, nil
}

// RemoveAll deletes every persisted record and clears the cache.
func (r *Registry) RemoveAll(ctx context.Context) error {
	all, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading RPs for removal: %w", err)
	}
	for _, rp := range all {
		if _, err := r.store.Delete(ctx, rp.ID); err != nil {
			return fmt.Errorf("deleting RP %s: %w", rp.ID, err)
		}
	}

	r.mu.Lock()
	r.records = make(map[string]*cachedRp)
	r.mu.Unlock()

	r.logger.Info("all RPs removed", "count", len(all))
	return nil
}

// CachedCount returns the number of unexpired cache entries.
func (r *Registry) CachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	count := 0
	for _, entry := range r.records {
		if !r.expired(entry, now) {
			count++
		}
	}
	return count
}

func (r *Registry) cached(rpID string) (*storage.Rp, bool) {
	r.mu.RLock()
	entry, ok := r.records[rpID]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if r.expired(entry, r.clock.Now()) {
		r.mu.Lock()
		// Entry may have been refreshed while the lock was dropped
		if current, ok := r.records[rpID]; ok && r.expired(current, r.clock.Now()) {
			delete(r.records, rpID)
		}
		r.mu.Unlock()
		return nil, false
	}
	return entry.rp.Copy(), true
}

func (r *Registry) cache(rp *storage.Rp) {
	r.mu.Lock()
	r.records[rp.ID] = &cachedRp{rp: rp.Copy(), cachedAt: r.clock.Now()}
	r.mu.Unlock()
}

func (r *Registry) expired(entry *cachedRp, now time.Time) bool {
	return r.ttl > 0 && now.Sub(entry.cachedAt) > r.ttl
}
