package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthorian/rhombus/pkg/authority"
	cachememory "github.com/porthorian/rhombus/pkg/cache/memory"
	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/storage"
	storagememory "github.com/porthorian/rhombus/pkg/storage/memory"
)

func TestNewResolverValidatesConfig(t *testing.T) {
	f := newFixture(t)

	_, err := NewResolver(ResolverConfig{Keys: f.keys})
	assert.ErrorIs(t, err, rerrors.ErrMissingCache)

	_, err = NewResolver(ResolverConfig{Cache: f.cache})
	assert.Error(t, err)

	_, err = NewResolver(ResolverConfig{Cache: f.cache, Keys: f.keys, Authority: &fakeAuthority{}})
	assert.ErrorIs(t, err, rerrors.ErrMissingStore)

	_, err = NewResolver(ResolverConfig{Cache: f.cache, Keys: f.keys, RefreshFraction: 1.5})
	assert.Error(t, err)

	resolver, err := NewResolver(ResolverConfig{Cache: f.cache, Keys: f.keys})
	require.NoError(t, err)
	assert.Equal(t, DefaultExpiration, resolver.Expiration())
	assert.Equal(t, ModeStandalone, resolver.Mode())
}

func TestResolveEmptyTokenIsAbsent(t *testing.T) {
	f := newFixture(t, withAuthority(&fakeAuthority{}))

	_, ok := f.resolver.Resolve(context.Background(), "")
	assert.False(t, ok)
}

func TestStandaloneMissIsTerminal(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	f := newFixture(t)
	require.Equal(t, ModeStandalone, f.resolver.Mode())

	for _, raw := range []string{testToken("alice", "labs"), "garbage", "bob|labs|1|ff"} {
		_, ok, err := f.resolver.ResolveStrict(context.Background(), raw)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	assert.Zero(t, hits)
	assert.Zero(t, f.store.UserCount())
	assert.Zero(t, f.cache.Len())
}

func TestSlidingRefreshKeepsMemberships(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "alice", "labs", "staff", "collab")
	manager := f.manager(t, ManagerConfig{})

	login, err := manager.LoginVerified(context.Background(), user)
	require.NoError(t, err)
	raw := login.Cookie.Value

	before, ok := f.resolver.Resolve(context.Background(), raw)
	require.True(t, ok)
	assert.True(t, before.LastRefreshedAt.Equal(testEpoch))

	f.clock.Advance(testExpiration / 2)
	halfway, ok := f.resolver.Resolve(context.Background(), raw)
	require.True(t, ok)
	assert.True(t, halfway.LastRefreshedAt.Equal(testEpoch))

	f.clock.Advance(testExpiration * 3 / 10)
	refreshed, ok := f.resolver.Resolve(context.Background(), raw)
	require.True(t, ok)
	assert.True(t, refreshed.LastRefreshedAt.Equal(f.clock.Now()))
	assert.Equal(t, before.Groups, refreshed.Groups)
	assert.Equal(t, before.Roles, refreshed.Roles)

	// The refresh rewrote the entry, so it outlives the original expiry.
	f.clock.Advance(testExpiration * 7 / 10)
	later, ok := f.resolver.Resolve(context.Background(), raw)
	require.True(t, ok)
	assert.Equal(t, before.UserID, later.UserID)

	f.clock.Advance(testExpiration + time.Second)
	_, ok = f.resolver.Resolve(context.Background(), raw)
	assert.False(t, ok)
}

func TestFederatedAutoProvision(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{
		Confirmed: true,
		UserInfo: authority.UserInfo{
			Lastname:      "Doe",
			Firstname:     "Alice",
			Email:         "alice@x.org",
			GroupsAdded:   []string{"collab"},
			GroupsRemoved: []string{},
		},
	}}
	f := newFixture(t, withAuthority(remote))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})
	raw := testToken("alice", "labs")

	snapshot, ok, err := f.resolver.ResolveStrict(context.Background(), raw)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "alice", snapshot.Login)
	assert.Equal(t, "labs", snapshot.Domain)
	assert.Equal(t, "alice@x.org", snapshot.Email)
	assert.Equal(t, []string{"collab", "guests"}, snapshot.GroupNames())
	assert.True(t, snapshot.HasRole("DATAADM"))

	user, err := f.store.FindByLoginAndDomain(context.Background(), "alice", "labs")
	require.NoError(t, err)
	assert.Equal(t, f.store.AddGroup("guests"), user.PrimaryGroupID)
	assert.Equal(t, user.PrimaryGroupID, snapshot.PrimaryGroupID)
	assert.Equal(t, "Doe", user.Lastname)

	again, ok := f.resolver.Resolve(context.Background(), raw)
	require.True(t, ok)
	assert.Equal(t, snapshot.UserID, again.UserID)
	assert.Equal(t, 1, remote.Calls())
	assert.Equal(t, 1, f.store.UserCount())
}

func TestFederatedSyncRemovesGroupsButKeepsPrimary(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{
		Confirmed: true,
		UserInfo:  authority.UserInfo{GroupsAdded: []string{"staff"}, GroupsRemoved: []string{"collab", "guests"}},
	}}
	f := newFixture(t, withAuthority(remote))
	f.createUser(t, "alice", "labs", "collab")

	snapshot, ok := f.resolver.Resolve(context.Background(), testToken("alice", "labs"))
	require.True(t, ok)
	assert.Equal(t, []string{"guests", "staff"}, snapshot.GroupNames())
	assert.Equal(t, []string{"DATAVIEW"}, snapshot.RoleNames())
}

func TestFederatedRejectionIsAbsent(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{Confirmed: false}}
	f := newFixture(t, withAuthority(remote))

	_, ok, err := f.resolver.ResolveStrict(context.Background(), testToken("alice", "labs"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.store.UserCount())
	assert.Zero(t, f.cache.Len())
}

func TestFederatedMalformedTokenSkipsAuthority(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{Confirmed: true}}
	f := newFixture(t, withAuthority(remote))

	for _, raw := range []string{"alice|labs|1", "alice|labs|yesterday|ff", "a|b|c|d|e"} {
		_, ok, err := f.resolver.ResolveStrict(context.Background(), raw)
		assert.False(t, ok)
		var malformed *rerrors.MalformedTokenError
		assert.True(t, errors.As(err, &malformed), raw)

		_, ok = f.resolver.Resolve(context.Background(), raw)
		assert.False(t, ok)
	}
	assert.Zero(t, remote.Calls())
}

func TestFederatedRemoteTimeoutIsAbsent(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := authority.NewClient(authority.ClientConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	f := newFixture(t, withAuthority(client))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})

	_, ok, err := f.resolver.ResolveStrict(context.Background(), testToken("alice", "labs"))
	assert.False(t, ok)
	assert.True(t, rerrors.IsCode(err, rerrors.CodeRemoteAuthority))

	_, ok = f.resolver.Resolve(context.Background(), testToken("alice", "labs"))
	assert.False(t, ok)
	assert.Zero(t, f.store.UserCount())
}

func TestFederatedProvisioningDisabledWarns(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{Confirmed: true}}
	var warnings []rerrors.Warning
	f := newFixture(t, withAuthority(remote), withWarnings(func(ctx context.Context, warning rerrors.Warning) {
		warnings = append(warnings, warning)
	}))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: false, DefaultGroup: "guests"})

	_, ok, err := f.resolver.ResolveStrict(context.Background(), testToken("alice", "labs"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.store.UserCount())

	require.Len(t, warnings, 1)
	warning, isProvisioning := warnings[0].(rerrors.ProvisioningDisabledWarning)
	require.True(t, isProvisioning)
	assert.Equal(t, "alice", warning.Login)
	assert.Equal(t, "labs", warning.UserClass)

	// Unknown domains have no userclass and never auto-add.
	_, ok = f.resolver.Resolve(context.Background(), testToken("bob", "elsewhere"))
	assert.False(t, ok)
	assert.Len(t, warnings, 2)
}

func TestFederatedDefaultUserClassForEmptyDomain(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{Confirmed: true}}
	f := newFixture(t, withAuthority(remote), func(c *ResolverConfig) { c.DefaultUserClass = "system" })
	f.store.PutUserClass(storage.UserClassRecord{Domain: "system", Name: "system", AutoAdd: true, DefaultGroup: "guests"})

	snapshot, ok := f.resolver.Resolve(context.Background(), testToken("root", ""))
	require.True(t, ok)
	assert.Equal(t, "root", snapshot.Login)
	assert.Equal(t, 1, f.store.UserCount())
}

// blindStore hides existing users from the first lookup inside a
// transaction, like a node that lost a provisioning race.
type blindStore struct {
	*storagememory.Store
}

func (s blindStore) WithTx(ctx context.Context, fn func(store storage.UserStore) error) error {
	return s.Store.WithTx(ctx, func(tx storage.UserStore) error {
		return fn(&blindTx{UserStore: tx, misses: 1})
	})
}

type blindTx struct {
	storage.UserStore
	misses int
}

func (b *blindTx) FindByLoginAndDomain(ctx context.Context, login string, domain string) (storage.UserRecord, error) {
	if b.misses > 0 {
		b.misses--
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return b.UserStore.FindByLoginAndDomain(ctx, login, domain)
}

func TestFederatedProvisioningRaceUsesExistingUser(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{
		Confirmed: true,
		UserInfo:  authority.UserInfo{GroupsAdded: []string{"collab"}},
	}}
	store := storagememory.NewStore()
	f := newFixture(t, withAuthority(remote), withStore(blindStore{Store: store}))
	f.store = store
	store.AddGroup("guests")
	store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})
	existing := f.createUser(t, "alice", "labs")

	snapshot, ok, err := f.resolver.ResolveStrict(context.Background(), testToken("alice", "labs"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, existing.ID, snapshot.UserID)
	assert.Equal(t, []string{"collab", "guests"}, snapshot.GroupNames())
	assert.Equal(t, 1, store.UserCount())
}

func TestConcurrentFederatedResolutionCreatesOneUser(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{
		Confirmed: true,
		UserInfo:  authority.UserInfo{GroupsAdded: []string{"collab"}},
	}}
	f := newFixture(t, withAuthority(remote))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})

	// A second node shares the store but not the cache.
	other, err := NewResolver(ResolverConfig{
		Cache:      cachememory.NewAdapter(cachememory.WithClock(f.clock.Now)),
		Store:      f.store,
		Keys:       f.keys,
		Authority:  remote,
		Expiration: testExpiration,
		Now:        f.clock.Now,
	})
	require.NoError(t, err)

	raw := testToken("alice", "labs")
	ids := make(chan int64, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		resolver := f.resolver
		if i%2 == 1 {
			resolver = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot, ok := resolver.Resolve(context.Background(), raw)
			if ok {
				ids <- snapshot.UserID
			}
		}()
	}
	wg.Wait()
	close(ids)

	var seen []int64
	for id := range ids {
		seen = append(seen, id)
	}
	require.Len(t, seen, 20)
	for _, id := range seen {
		assert.Equal(t, seen[0], id)
	}
	assert.Equal(t, 1, f.store.UserCount())
}

func TestResolveUserID(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "alice", "labs", "staff")

	snapshot, ok := f.resolver.ResolveUserID(context.Background(), user.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"guests", "staff"}, snapshot.GroupNames())
	assert.Equal(t, 1, f.cache.Len())

	cached, ok := f.resolver.ResolveUserID(context.Background(), user.ID)
	require.True(t, ok)
	assert.Equal(t, snapshot, cached)

	_, ok = f.resolver.ResolveUserID(context.Background(), 9999)
	assert.False(t, ok)
	_, ok = f.resolver.ResolveUserID(context.Background(), 0)
	assert.False(t, ok)
}

func TestCheckAttached(t *testing.T) {
	f := newFixture(t)
	resolved := identity.Snapshot{Login: "alice", UserID: 4}

	assert.NoError(t, f.resolver.CheckAttached(context.Background(), resolved))

	same := identity.WithSnapshot(context.Background(), resolved)
	assert.NoError(t, f.resolver.CheckAttached(same, resolved))

	other := identity.WithSnapshot(context.Background(), identity.Snapshot{Login: "bob", UserID: 9})
	err := f.resolver.CheckAttached(other, resolved)
	var inconsistent *rerrors.InconsistentSessionError
	require.True(t, errors.As(err, &inconsistent))
	assert.Equal(t, int64(9), inconsistent.AttachedUserID)
	assert.Equal(t, int64(4), inconsistent.ResolvedUserID)
	assert.True(t, rerrors.IsInternalCode(err))
}

type ambiguousStore struct {
	*storagememory.Store
}

func (s ambiguousStore) WithTx(ctx context.Context, fn func(store storage.UserStore) error) error {
	return s.Store.WithTx(ctx, func(tx storage.UserStore) error {
		return fn(ambiguousTx{UserStore: tx})
	})
}

type ambiguousTx struct {
	storage.UserStore
}

func (ambiguousTx) FindByLoginAndDomain(ctx context.Context, login string, domain string) (storage.UserRecord, error) {
	return storage.UserRecord{}, storage.ErrAmbiguousUser
}

func TestFederatedAmbiguousUserIsAbsent(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{Confirmed: true}}
	store := storagememory.NewStore()
	store.AddGroup("guests")
	store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})
	f := newFixture(t, withAuthority(remote), withStore(ambiguousStore{Store: store}))

	_, ok, err := f.resolver.ResolveStrict(context.Background(), testToken("alice", "labs"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, storage.ErrAmbiguousUser)
	assert.Equal(t, 0, store.UserCount())

	_, ok = f.resolver.Resolve(context.Background(), testToken("alice", "labs"))
	assert.False(t, ok)
}

func TestFederatedRevocationOnAuthorityReachesClient(t *testing.T) {
	ctx := context.Background()
	master := newFixture(t)
	user := master.createUser(t, "alice", "labs", "collab")
	raw := testToken("alice", "labs")
	cacheOnMaster := func() {
		snapshot, err := BuildSnapshot(ctx, master.store, user, master.clock.Now())
		require.NoError(t, err)
		require.NoError(t, master.cache.Set(ctx, master.keys.TokenKey(raw), snapshot, testExpiration))
	}
	cacheOnMaster()

	server := httptest.NewServer(authority.Handler(master.resolver, logr.Discard()))
	defer server.Close()
	remote, err := authority.NewClient(authority.ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	f := newFixture(t, withAuthority(remote))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})

	snapshot, ok, err := f.resolver.ResolveStrict(ctx, raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"collab", "guests"}, snapshot.GroupNames())

	_, err = master.store.SyncGroups(ctx, user.ID, nil, []string{"collab"})
	require.NoError(t, err)
	cacheOnMaster()
	require.NoError(t, f.cache.Delete(ctx, f.keys.TokenKey(raw)))

	snapshot, ok, err = f.resolver.ResolveStrict(ctx, raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"guests"}, snapshot.GroupNames())
	assert.False(t, snapshot.HasGroup("collab"))
	assert.False(t, snapshot.HasRole("DATAADM"))

	local, err := f.store.FindByLoginAndDomain(ctx, "alice", "labs")
	require.NoError(t, err)
	groups, err := f.store.ListGroups(ctx, local.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "guests", groups[0].Name)
}

type gatedAuthority struct {
	fakeAuthority
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedAuthority) Confirm(ctx context.Context, raw string) (authority.Confirmation, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return authority.Confirmation{}, ctx.Err()
	}
	return g.fakeAuthority.Confirm(ctx, raw)
}

func TestFederatedCallerCancellationDoesNotFailOthers(t *testing.T) {
	remote := &gatedAuthority{
		fakeAuthority: fakeAuthority{confirmation: authority.Confirmation{Confirmed: true}},
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	f := newFixture(t, withAuthority(remote))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})
	raw := testToken("bob", "labs")

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := f.resolver.ResolveStrict(firstCtx, raw)
		firstErr <- err
	}()
	<-remote.started

	type outcome struct {
		snapshot identity.Snapshot
		ok       bool
		err      error
	}
	second := make(chan outcome, 1)
	go func() {
		snapshot, ok, err := f.resolver.ResolveStrict(context.Background(), raw)
		second <- outcome{snapshot: snapshot, ok: ok, err: err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(remote.release)
	got := <-second
	require.NoError(t, got.err)
	require.True(t, got.ok)
	assert.Equal(t, "bob", got.snapshot.Login)
	assert.Equal(t, 1, f.store.UserCount())
}

func TestFederatedUserClassMatchesDomainCaseInsensitively(t *testing.T) {
	remote := &fakeAuthority{confirmation: authority.Confirmation{Confirmed: true}}
	f := newFixture(t, withAuthority(remote))
	f.store.PutUserClass(storage.UserClassRecord{Domain: "labs", Name: "labs", AutoAdd: true, DefaultGroup: "guests"})

	snapshot, ok, err := f.resolver.ResolveStrict(context.Background(), testToken("alice", "Labs"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"guests"}, snapshot.GroupNames())
	assert.Equal(t, 1, f.store.UserCount())
}
