// Package testsuite holds behavioural checks every UserStore must pass.
package testsuite

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthorian/rhombus/pkg/storage"
)

// Seeder prepares reference data the suite relies on.
type Seeder interface {
	AddGroup(name string) int64
	AssignRole(group string, role string)
}

type Fixture struct {
	Store  storage.TxUserStore
	Seeder Seeder
}

func RunUserStore(t *testing.T, newFixture func(t *testing.T) Fixture) {
	t.Run("create and find", func(t *testing.T) {
		testCreateAndFind(t, newFixture(t))
	})
	t.Run("create is idempotent per login and domain", func(t *testing.T) {
		testCreateDuplicate(t, newFixture(t))
	})
	t.Run("concurrent create yields one user", func(t *testing.T) {
		testConcurrentCreate(t, newFixture(t))
	})
	t.Run("sync groups", func(t *testing.T) {
		testSyncGroups(t, newFixture(t))
	})
	t.Run("roles follow groups", func(t *testing.T) {
		testRolesFollowGroups(t, newFixture(t))
	})
	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		testTxRollback(t, newFixture(t))
	})
}

func testCreateAndFind(t *testing.T, f Fixture) {
	ctx := context.Background()
	guests := f.Seeder.AddGroup("guests")

	created, err := f.Store.CreateUser(ctx, storage.CreateUserInput{
		Login: "alice", Domain: "labs", Lastname: "Doe", Firstname: "Alice",
		Email: "alice@x.org", PrimaryGroup: "guests",
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, guests, created.PrimaryGroupID)

	found, err := f.Store.FindByLoginAndDomain(ctx, "alice", "labs")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	byID, err := f.Store.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@x.org", byID.Email)

	_, err = f.Store.FindByLoginAndDomain(ctx, "alice", "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	groups, err := f.Store.ListGroups(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []storage.GroupRecord{{ID: guests, Name: "guests"}}, groups)
}

func testCreateDuplicate(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seeder.AddGroup("guests")
	input := storage.CreateUserInput{Login: "alice", Domain: "labs", PrimaryGroup: "guests"}

	_, err := f.Store.CreateUser(ctx, input)
	require.NoError(t, err)

	_, err = f.Store.CreateUser(ctx, input)
	assert.ErrorIs(t, err, storage.ErrUserExists)

	_, err = f.Store.CreateUser(ctx, storage.CreateUserInput{Login: "bob", Domain: "labs", PrimaryGroup: "missing"})
	assert.ErrorIs(t, err, storage.ErrUnknownGroup)
}

func testConcurrentCreate(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seeder.AddGroup("guests")
	input := storage.CreateUserInput{Login: "alice", Domain: "labs", PrimaryGroup: "guests"}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Store.CreateUser(ctx, input)
			if err != nil && !errors.Is(err, storage.ErrUserExists) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func testSyncGroups(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seeder.AddGroup("guests")
	f.Seeder.AddGroup("old")
	user, err := f.Store.CreateUser(ctx, storage.CreateUserInput{Login: "alice", Domain: "labs", PrimaryGroup: "guests"})
	require.NoError(t, err)

	_, err = f.Store.SyncGroups(ctx, user.ID, []string{"old"}, nil)
	require.NoError(t, err)

	result, err := f.Store.SyncGroups(ctx, user.ID, []string{"collab", "guests"}, []string{"old", "guests", "never"})
	require.NoError(t, err)
	assert.Equal(t, []string{"collab"}, result.Added)
	assert.Equal(t, []string{"guests"}, result.Modified)
	assert.Equal(t, []string{"old"}, result.Removed)

	groups, err := f.Store.ListGroups(ctx, user.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"collab", "guests"}, names, "primary group is never removed")

	_, err = f.Store.SyncGroups(ctx, 99999, []string{"collab"}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRolesFollowGroups(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seeder.AddGroup("guests")
	f.Seeder.AssignRole("collab", "DATA_VIEW")
	f.Seeder.AssignRole("admins", "SYSADM")

	user, err := f.Store.CreateUser(ctx, storage.CreateUserInput{Login: "alice", Domain: "labs", PrimaryGroup: "guests"})
	require.NoError(t, err)

	roles, err := f.Store.ListRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)

	_, err = f.Store.SyncGroups(ctx, user.ID, []string{"collab"}, nil)
	require.NoError(t, err)

	roles, err = f.Store.ListRoles(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "DATA_VIEW", roles[0].Name)
}

func testTxRollback(t *testing.T, f Fixture) {
	ctx := context.Background()
	f.Seeder.AddGroup("guests")
	boom := errors.New("boom")

	err := f.Store.WithTx(ctx, func(tx storage.UserStore) error {
		if _, err := tx.CreateUser(ctx, storage.CreateUserInput{Login: "alice", Domain: "labs", PrimaryGroup: "guests"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = f.Store.FindByLoginAndDomain(ctx, "alice", "labs")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, f.Store.WithTx(ctx, nil), storage.ErrNilTxCallback)
}
