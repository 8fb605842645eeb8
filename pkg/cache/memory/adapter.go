package memory

import (
	"context"
	"sync"
	"time"

	"github.com/porthorian/rhombus/pkg/cache"
	"github.com/porthorian/rhombus/pkg/identity"
)

type entry struct {
	snapshot identity.Snapshot
	storedAt time.Time
	ttl      time.Duration
}

type Adapter struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ cache.IdentityCache = (*Adapter)(nil)

type Option func(*Adapter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		entries: map[string]entry{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Set(ctx context.Context, key string, snapshot identity.Snapshot, ttl time.Duration) error {
	if err := cache.ValidateSet(key, ttl); err != nil {
		return err
	}

	a.mu.Lock()
	a.entries[key] = entry{
		snapshot: snapshot.Clone(),
		storedAt: a.now().UTC(),
		ttl:      ttl,
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string, maxAge time.Duration) (identity.Snapshot, bool, error) {
	now := a.now().UTC()

	a.mu.RLock()
	e, ok := a.entries[key]
	a.mu.RUnlock()
	if !ok {
		return identity.Snapshot{}, false, nil
	}

	if cache.Expired(now, e.storedAt, e.ttl, maxAge) {
		if cache.Expired(now, e.storedAt, e.ttl, 0) {
			a.evict(key, e.storedAt)
		}
		return identity.Snapshot{}, false, nil
	}

	return e.snapshot.Clone(), true, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	delete(a.entries, key)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// evict drops key unless another writer replaced it since it was read.
func (a *Adapter) evict(key string, storedAt time.Time) {
	a.mu.Lock()
	if current, ok := a.entries[key]; ok && current.storedAt.Equal(storedAt) {
		delete(a.entries, key)
	}
	a.mu.Unlock()
}
