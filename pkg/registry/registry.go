// Package registry maps keys to shards and spreads new AUs across them.
//
// A shard is registered under a key when it is created; further keys (AU
// identifiers, typically) are bound to an existing shard by GetOrAssign,
// which picks one round-robin for keys it has not seen. Bindings live in
// memory only: after a restart an AU is found again by probing the shards
// (see AuRepository).
//
// One Registry is installed per process with Init and torn down with Reset.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/repository"
)

// DefaultMaxShards bounds the number of distinct shards when Config leaves
// MaxShards unset.
const DefaultMaxShards = 8

var (
	// ErrDuplicateKey is returned when registering a key that is bound.
	ErrDuplicateKey = errors.New("shard key already registered")

	// ErrTooManyShards is returned when the registry holds MaxShards shards.
	ErrTooManyShards = errors.New("too many shards")

	// ErrShardNotFound is returned for keys that are not bound.
	ErrShardNotFound = errors.New("shard not found")

	// ErrNoShards is returned when a shard must be chosen from an empty
	// registry.
	ErrNoShards = errors.New("no shards registered")

	// ErrClosed is returned by a registry after Close.
	ErrClosed = errors.New("registry closed")
)

// Opener opens the shard stored at location.
type Opener func(ctx context.Context, key, location string) (*repository.Shard, error)

// Config configures a Registry.
type Config struct {
	// MaxShards bounds the number of distinct shards (default: 8)
	MaxShards int

	// Opener opens shards for CreateShard. When nil, shards are opened
	// with repository.OpenShard using ShardOptions as a template.
	Opener Opener

	// ShardOptions is the template of the default opener. Name and Dir
	// are set from the key and location.
	ShardOptions repository.ShardOptions
}

// Registry manages the shards of one process.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	maxShards int
	opener    Opener

	// keys maps every bound key to its shard; several keys may alias one shard
	keys map[string]*repository.Shard

	// assigned holds the keys bound by GetOrAssign and AuRepository, as
	// opposed to keys a shard was registered under
	assigned map[string]struct{}

	// opening reserves the keys of shards CreateShard is opening
	opening map[string]struct{}

	// shards holds each distinct shard once, in registration order
	shards []*repository.Shard

	next   uint64
	closed bool
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxShards <= 0 {
		cfg.MaxShards = DefaultMaxShards
	}
	opener := cfg.Opener
	if opener == nil {
		template := cfg.ShardOptions
		opener = func(ctx context.Context, key, location string) (*repository.Shard, error) {
			opts := template
			opts.Name = key
			opts.Dir = location
			return repository.OpenShard(ctx, opts)
		}
	}

	return &Registry{
		maxShards: cfg.MaxShards,
		opener:    opener,
		keys:      make(map[string]*repository.Shard),
		assigned:  make(map[string]struct{}),
		opening:   make(map[string]struct{}),
	}
}

// MaxShards returns the shard capacity.
func (r *Registry) MaxShards() int {
	return r.maxShards
}

// CreateShard opens the shard at location and registers it under key.
//
// Fails with ErrDuplicateKey when key is bound and with ErrTooManyShards
// when the registry is full. On any failure the registry is unchanged. The
// key and a capacity slot are reserved while the shard opens, so lookups
// are not blocked by the open.
func (r *Registry) CreateShard(ctx context.Context, key, location string) (*repository.Shard, error) {
	if key == "" {
		return nil, fmt.Errorf("cannot create shard with empty key")
	}

	// Step 1: Reserve the key
	r.mu.Lock()
	if err := r.checkAddLocked(key); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if len(r.shards)+len(r.opening) >= r.maxShards {
		r.mu.Unlock()
		return nil, fmt.Errorf("create shard %q: %w (max %d)", key, ErrTooManyShards, r.maxShards)
	}
	r.opening[key] = struct{}{}
	r.mu.Unlock()

	// Step 2: Open outside the lock
	shard, err := r.opener(ctx, key, location)

	// Step 3: Release the reservation and register
	r.mu.Lock()
	delete(r.opening, key)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("create shard %q: %w", key, err)
	}
	if r.closed {
		r.mu.Unlock()
		return nil, errors.Join(ErrClosed, shard.Close())
	}
	r.keys[key] = shard
	r.shards = append(r.shards, shard)
	count := len(r.shards)
	r.mu.Unlock()

	logger.Info("Registered shard %q at %s (%d of %d)", key, location, count, r.maxShards)
	return shard, nil
}

// AddShard registers an already opened shard under key. Adding a shard that
// is registered under another key only binds the new key to it.
func (r *Registry) AddShard(key string, shard *repository.Shard) error {
	if key == "" {
		return fmt.Errorf("cannot add shard with empty key")
	}
	if shard == nil {
		return fmt.Errorf("cannot add nil shard")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAddLocked(key); err != nil {
		return err
	}
	if !r.containsLocked(shard) {
		if len(r.shards)+len(r.opening) >= r.maxShards {
			return fmt.Errorf("add shard %q: %w (max %d)", key, ErrTooManyShards, r.maxShards)
		}
		r.shards = append(r.shards, shard)
	}
	r.keys[key] = shard
	return nil
}

func (r *Registry) checkAddLocked(key string) error {
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.keys[key]; exists {
		return fmt.Errorf("shard %q: %w", key, ErrDuplicateKey)
	}
	if _, exists := r.opening[key]; exists {
		return fmt.Errorf("shard %q: %w", key, ErrDuplicateKey)
	}
	return nil
}

func (r *Registry) containsLocked(shard *repository.Shard) bool {
	for _, s := range r.shards {
		if s == shard {
			return true
		}
	}
	return false
}

// Get returns the shard bound to key.
func (r *Registry) Get(key string) (*repository.Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}
	shard, exists := r.keys[key]
	if !exists {
		return nil, fmt.Errorf("shard %q: %w", key, ErrShardNotFound)
	}
	return shard, nil
}

// ChooseShard returns the next shard in round-robin order. The counter
// advances on every call and is taken modulo the current shard count, so
// the rotation stays valid across additions and removals.
func (r *Registry) ChooseShard() (*repository.Shard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chooseLocked()
}

func (r *Registry) chooseLocked() (*repository.Shard, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if len(r.shards) == 0 {
		return nil, ErrNoShards
	}
	shard := r.shards[r.next%uint64(len(r.shards))]
	r.next++
	return shard, nil
}

// GetOrAssign returns the shard bound to key, binding key to the next
// round-robin shard first when it is unbound.
func (r *Registry) GetOrAssign(key string) (*repository.Shard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if shard, exists := r.keys[key]; exists {
		return shard, nil
	}

	shard, err := r.chooseLocked()
	if err != nil {
		return nil, err
	}
	r.keys[key] = shard
	r.assigned[key] = struct{}{}
	logger.Debug("Assigned %q to shard %q", key, shard.Name())
	return shard, nil
}

// AuRepository returns the repository of auID. An unbound AU is first
// looked for in every shard, so AUs created before a restart are found
// where they live; only an AU no shard holds is assigned round-robin.
func (r *Registry) AuRepository(ctx context.Context, auID string) (*repository.AuRepository, error) {
	shard, err := r.locate(ctx, auID)
	if err != nil {
		return nil, err
	}
	return shard.AuRepository(ctx, auID)
}

func (r *Registry) locate(ctx context.Context, auID string) (*repository.Shard, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if shard, exists := r.keys[auID]; exists {
		r.mu.RUnlock()
		return shard, nil
	}
	shards := append([]*repository.Shard(nil), r.shards...)
	r.mu.RUnlock()

	for _, shard := range shards {
		has, err := shard.HasAU(ctx, auID)
		if err != nil {
			return nil, err
		}
		if !has {
			continue
		}

		return r.bind(auID, shard)
	}

	return r.GetOrAssign(auID)
}

// bind binds key to shard unless key was bound meanwhile, in which case
// the existing binding wins.
func (r *Registry) bind(key string, shard *repository.Shard) (*repository.Shard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if bound, exists := r.keys[key]; exists {
		return bound, nil
	}
	if !r.containsLocked(shard) {
		return nil, fmt.Errorf("shard %q: %w", shard.Name(), ErrShardNotFound)
	}
	r.keys[key] = shard
	r.assigned[key] = struct{}{}
	return shard, nil
}

// RemoveShard unbinds key.
//
// Removing a key bound by GetOrAssign or AuRepository only drops that
// binding. Removing a key the shard was registered under drops the shard
// once no other registered key refers to it: every AU binding to it goes
// too, the shard leaves the rotation and is closed.
func (r *Registry) RemoveShard(key string) error {
	r.mu.Lock()
	shard, exists := r.keys[key]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("shard %q: %w", key, ErrShardNotFound)
	}
	delete(r.keys, key)
	if _, wasAssigned := r.assigned[key]; wasAssigned {
		delete(r.assigned, key)
		r.mu.Unlock()
		return nil
	}

	for other, s := range r.keys {
		if _, isAssigned := r.assigned[other]; s == shard && !isAssigned {
			r.mu.Unlock()
			return nil
		}
	}
	unbound := 0
	for other, s := range r.keys {
		if s == shard {
			delete(r.keys, other)
			delete(r.assigned, other)
			unbound++
		}
	}
	for i, s := range r.shards {
		if s == shard {
			r.shards = append(r.shards[:i], r.shards[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	logger.Info("Removed shard %q (%d AU binding(s) dropped)", shard.Name(), unbound)
	return shard.Close()
}

// Keys returns every bound key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.keys))
	for key := range r.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Shards returns the distinct shards in registration order.
func (r *Registry) Shards() []*repository.Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*repository.Shard(nil), r.shards...)
}

// Count returns the number of distinct shards.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

// Close closes every distinct shard exactly once, however many keys alias
// it, and empties the registry. Later calls are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	shards := r.shards
	r.shards = nil
	r.keys = make(map[string]*repository.Shard)
	r.assigned = make(map[string]struct{})
	r.mu.Unlock()

	var errs []error
	for _, shard := range shards {
		if err := shard.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %q: %w", shard.Name(), err))
		}
	}
	if len(shards) > 0 {
		logger.Info("Closed %d shard(s)", len(shards))
	}
	return errors.Join(errs...)
}

// Healthcheck runs every shard's healthcheck and joins the failures.
func (r *Registry) Healthcheck(ctx context.Context) error {
	shards := r.Shards()
	if len(shards) == 0 {
		return ErrNoShards
	}

	var errs []error
	for _, shard := range shards {
		if err := shard.Healthcheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shard %q: %w", shard.Name(), err))
		}
	}
	return errors.Join(errs...)
}
