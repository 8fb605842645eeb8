package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/porthorian/rhombus/pkg/authority"
	cachememory "github.com/porthorian/rhombus/pkg/cache/memory"
	"github.com/porthorian/rhombus/pkg/crypto"
	"github.com/porthorian/rhombus/pkg/storage"
	storagememory "github.com/porthorian/rhombus/pkg/storage/memory"
	"github.com/porthorian/rhombus/pkg/token"
)

const testExpiration = time.Hour

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAuthority struct {
	mu           sync.Mutex
	calls        int
	confirmation authority.Confirmation
	err          error
}

func (f *fakeAuthority) Confirm(ctx context.Context, raw string) (authority.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.confirmation, f.err
}

func (f *fakeAuthority) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	clock    *testClock
	cache    *cachememory.Adapter
	store    *storagememory.Store
	keys     *crypto.KeyDeriver
	resolver *Resolver
}

type fixtureOption func(*ResolverConfig)

func withAuthority(a authority.Authority) fixtureOption {
	return func(c *ResolverConfig) { c.Authority = a }
}

func withWarnings(sink WarningSink) fixtureOption {
	return func(c *ResolverConfig) { c.Warnings = sink }
}

func withStore(store storage.TxUserStore) fixtureOption {
	return func(c *ResolverConfig) { c.Store = store }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := newTestClock()
	keys, err := crypto.NewKeyDeriver([]byte("0123456789abcdef-test-secret"))
	require.NoError(t, err)

	f := &fixture{
		clock: clock,
		cache: cachememory.NewAdapter(cachememory.WithClock(clock.Now)),
		store: storagememory.NewStore(),
		keys:  keys,
	}
	f.store.AddGroup("guests")
	f.store.AssignRole("staff", "DATAVIEW")
	f.store.AssignRole("collab", "DATAADM")

	config := ResolverConfig{
		Cache:      f.cache,
		Store:      f.store,
		Keys:       keys,
		Expiration: testExpiration,
		Now:        clock.Now,
	}
	for _, opt := range opts {
		opt(&config)
	}

	f.resolver, err = NewResolver(config)
	require.NoError(t, err)
	return f
}

func (f *fixture) createUser(t *testing.T, login string, domain string, groups ...string) storage.UserRecord {
	t.Helper()

	user, err := f.store.CreateUser(context.Background(), storage.CreateUserInput{
		Login:        login,
		Domain:       domain,
		Lastname:     "Doe",
		Firstname:    "Alice",
		Email:        login + "@x.org",
		PrimaryGroup: "guests",
	})
	require.NoError(t, err)
	if len(groups) > 0 {
		_, err = f.store.SyncGroups(context.Background(), user.ID, groups, nil)
		require.NoError(t, err)
	}
	return user
}

func (f *fixture) manager(t *testing.T, config ManagerConfig) *Manager {
	t.Helper()

	config.Resolver = f.resolver
	config.Tokens = token.Codec{Now: f.clock.Now}
	manager, err := NewManager(config)
	require.NoError(t, err)
	return manager
}

func testToken(login string, domain string) string {
	return token.Token{
		Login:    login,
		Domain:   domain,
		IssuedAt: testEpoch,
		Nonce:    "00112233445566778899aabbccddeeff",
	}.String()
}
