package fork

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/web3-fighter/sol-sim/resolver"
	"github.com/web3-fighter/sol-sim/types"
	"github.com/web3-fighter/sol-sim/upstream"
	"github.com/web3-fighter/sol-sim/vm"
)

// DefaultTTL is how long a fork survives without being touched before the
// reaper evicts it.
const DefaultTTL = 15 * time.Minute

// entry is a registered fork plus the bookkeeping the registry needs to
// decide when it has gone stale.
type entry struct {
	instance     *Instance
	createdAt    time.Time
	lastActivity time.Time
	accountCount int
}

func (e *entry) expiresAt(ttl time.Duration) time.Time {
	return e.lastActivity.Add(ttl)
}

// info snapshots the entry's metadata. Callers must hold the registry lock
// so the entry cannot be deleted out from under the snapshot.
func (e *entry) info(id types.ForkId, ttl time.Duration) types.ForkInfo {
	return types.ForkInfo{
		Id:           id,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
		ExpiresAt:    e.expiresAt(ttl),
		AccountCount: e.accountCount,
		Slot:         e.instance.Slot(),
	}
}

// Registry owns every live fork. Reads and structural mutations (create,
// delete, reap) are guarded by a single RWMutex; the work inside a given
// fork is further serialized by that fork's own Instance mutex, so two
// goroutines touching two different forks never block each other here.
type Registry struct {
	mu      sync.RWMutex
	forks   map[types.ForkId]*entry
	ttl     time.Duration
	fetcher upstream.Fetcher

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// NewRegistry builds an empty registry backed by fetcher for new-fork
// creation, with reaping governed by ttl.
func NewRegistry(fetcher upstream.Fetcher, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		forks:      make(map[types.ForkId]*entry),
		ttl:        ttl,
		fetcher:    fetcher,
		stopReaper: make(chan struct{}),
	}
}

// Create resolves seeds against the configured upstream, builds a fresh
// in-memory VM instance at the upstream's current slot/blockhash, and
// registers it under a new fork id.
func (r *Registry) Create(ctx context.Context, seeds []types.Address) (types.ForkInfo, error) {
	blockhash, slot, err := r.fetcher.LatestBlockhash(ctx)
	if err != nil {
		return types.ForkInfo{}, fmt.Errorf("create fork: %w", err)
	}

	accounts, err := resolver.Resolve(ctx, r.fetcher, seeds)
	if err != nil {
		return types.ForkInfo{}, fmt.Errorf("create fork: %w", err)
	}

	present := 0
	for _, acc := range accounts {
		if acc != nil {
			present++
		}
	}

	memInstance := vm.NewMemory(slot, blockhash, accounts)
	id := types.NewForkId()
	instance := NewInstance(id, memInstance, r.fetcher)

	now := time.Now()
	e := &entry{
		instance:     instance,
		createdAt:    now,
		lastActivity: now,
		accountCount: present,
	}
	r.mu.Lock()
	r.forks[id] = e
	info := e.info(id, r.ttl)
	r.mu.Unlock()

	log.Info("fork created", "id", id, "seeds", len(seeds), "resolved", present, "slot", slot)
	return info, nil
}

// Get returns the fork's current metadata, renewing its activity timestamp.
// A fork past its TTL is reported as not found even if the reaper has not
// yet swept it, per the lazy-expiry rule.
func (r *Registry) Get(id types.ForkId) (types.ForkInfo, error) {
	r.mu.Lock()
	e, ok := r.forks[id]
	if !ok {
		r.mu.Unlock()
		return types.ForkInfo{}, types.ErrForkNotFound
	}
	now := time.Now()
	if now.After(e.expiresAt(r.ttl)) {
		delete(r.forks, id)
		r.mu.Unlock()
		return types.ForkInfo{}, types.ErrForkNotFound
	}
	e.lastActivity = now
	info := e.info(id, r.ttl)
	r.mu.Unlock()
	return info, nil
}

// Delete removes a fork immediately, regardless of its TTL.
func (r *Registry) Delete(id types.ForkId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.forks[id]; !ok {
		return types.ErrForkNotFound
	}
	delete(r.forks, id)
	log.Info("fork deleted", "id", id)
	return nil
}

// WithInstance looks up a live fork, renews its TTL, and hands fn the
// underlying Instance to operate on. This is the only way callers reach a
// fork's Instance, so every access goes through the activity-renewal path.
func (r *Registry) WithInstance(id types.ForkId, fn func(*Instance) error) error {
	r.mu.Lock()
	e, ok := r.forks[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrForkNotFound
	}
	now := time.Now()
	if now.After(e.expiresAt(r.ttl)) {
		delete(r.forks, id)
		r.mu.Unlock()
		return types.ErrForkNotFound
	}
	e.lastActivity = now
	instance := e.instance
	r.mu.Unlock()

	return fn(instance)
}

// TTL reports the idle lifetime the registry grants each fork.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Size reports the number of live forks, for health/observability.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forks)
}

// StartReaper launches the background goroutine that evicts forks idle for
// longer than the registry's TTL, checking on a coarse interval the way a
// VM pool's idle-instance reaper does rather than timer-per-entry.
func (r *Registry) StartReaper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reapOnce()
			case <-r.stopReaper:
				return
			}
		}
	}()
}

// StopReaper halts the background reaper goroutine. Safe to call more than
// once.
func (r *Registry) StopReaper() {
	r.reaperOnce.Do(func() { close(r.stopReaper) })
}

func (r *Registry) reapOnce() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, e := range r.forks {
		if now.After(e.expiresAt(r.ttl)) {
			delete(r.forks, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Info("reaper evicted idle forks", "count", evicted)
	}
}
