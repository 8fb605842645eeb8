// Package lru is a size-bounded in-process identity cache.
package lru

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/porthorian/rhombus/pkg/cache"
	"github.com/porthorian/rhombus/pkg/identity"
)

const DefaultSize = 10000

type Config struct {
	// Size caps the number of live sessions; least recently used entries
	// are dropped first.
	Size int
	// TTL bounds every entry regardless of the ttl passed to Set.
	TTL time.Duration
	Now func() time.Time
}

type entry struct {
	snapshot identity.Snapshot
	storedAt time.Time
	ttl      time.Duration
}

type Adapter struct {
	entries *expirable.LRU[string, entry]
	now     func() time.Time
}

var _ cache.IdentityCache = (*Adapter)(nil)

func NewAdapter(config Config) *Adapter {
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Adapter{
		entries: expirable.NewLRU[string, entry](config.Size, nil, config.TTL),
		now:     config.Now,
	}
}

func (a *Adapter) Set(ctx context.Context, key string, snapshot identity.Snapshot, ttl time.Duration) error {
	if err := cache.ValidateSet(key, ttl); err != nil {
		return err
	}

	a.entries.Add(key, entry{
		snapshot: snapshot.Clone(),
		storedAt: a.now().UTC(),
		ttl:      ttl,
	})
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string, maxAge time.Duration) (identity.Snapshot, bool, error) {
	e, ok := a.entries.Get(key)
	if !ok {
		return identity.Snapshot{}, false, nil
	}

	now := a.now().UTC()
	if cache.Expired(now, e.storedAt, e.ttl, 0) {
		a.entries.Remove(key)
		return identity.Snapshot{}, false, nil
	}
	if cache.Expired(now, e.storedAt, 0, maxAge) {
		return identity.Snapshot{}, false, nil
	}

	return e.snapshot.Clone(), true, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	a.entries.Remove(key)
	return nil
}

func (a *Adapter) Len() int {
	return a.entries.Len()
}
