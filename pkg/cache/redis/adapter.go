package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/porthorian/rhombus/pkg/cache"
	"github.com/porthorian/rhombus/pkg/identity"
)

const DefaultNamespace = "rhombus:identity:"

type Config struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
	Now         func() time.Time
}

type Adapter struct {
	client    goredis.UniversalClient
	namespace string
	now       func() time.Time
	owned     bool
}

var _ cache.IdentityCache = (*Adapter)(nil)

// envelope is the stored value; storedAt lets Get enforce maxAge without a
// second round trip for the key's TTL.
type envelope struct {
	Snapshot identity.Snapshot `json:"snapshot"`
	StoredAt time.Time         `json:"stored_at"`
}

func NewAdapter(config Config) *Adapter {
	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Address,
		Username:    config.Username,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
	})

	adapter := NewAdapterWithClient(client, config)
	adapter.owned = true
	return adapter
}

// NewAdapterWithClient wraps an existing client. Close leaves it open.
func NewAdapterWithClient(client goredis.UniversalClient, config Config) *Adapter {
	namespace := config.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		client:    client,
		namespace: namespace,
		now:       now,
	}
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *Adapter) Set(ctx context.Context, key string, snapshot identity.Snapshot, ttl time.Duration) error {
	if err := cache.ValidateSet(key, ttl); err != nil {
		return err
	}

	payload, err := json.Marshal(envelope{
		Snapshot: snapshot,
		StoredAt: a.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis cache: encode snapshot: %w", err)
	}

	if err := a.client.Set(ctx, a.namespace+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: set: %w", err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string, maxAge time.Duration) (identity.Snapshot, bool, error) {
	payload, err := a.client.Get(ctx, a.namespace+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return identity.Snapshot{}, false, nil
	}
	if err != nil {
		return identity.Snapshot{}, false, fmt.Errorf("redis cache: get: %w", err)
	}

	var stored envelope
	if err := json.Unmarshal(payload, &stored); err != nil {
		return identity.Snapshot{}, false, fmt.Errorf("redis cache: decode snapshot: %w", err)
	}

	if cache.Expired(a.now().UTC(), stored.StoredAt, 0, maxAge) {
		return identity.Snapshot{}, false, nil
	}

	snapshot := stored.Snapshot
	snapshot.Groups = identity.NormalizeRefs(snapshot.Groups)
	snapshot.Roles = identity.NormalizeRefs(snapshot.Roles)
	return snapshot, true, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, a.namespace+key).Err(); err != nil {
		return fmt.Errorf("redis cache: delete: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	if a == nil || !a.owned {
		return nil
	}
	return a.client.Close()
}
