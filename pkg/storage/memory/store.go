// Package memory is an in-process UserStore for tests, demos and
// single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/porthorian/rhombus/pkg/storage"
)

type userKey struct {
	login  string
	domain string
}

type state struct {
	nextID      int64
	users       map[int64]storage.UserRecord
	byLogin     map[userKey]int64
	groups      map[string]int64
	roles       map[string]int64
	groupRoles  map[int64]map[int64]struct{}
	memberships map[int64]map[int64]struct{}
	userClasses map[string]storage.UserClassRecord
}

func newState() *state {
	return &state{
		users:       map[int64]storage.UserRecord{},
		byLogin:     map[userKey]int64{},
		groups:      map[string]int64{},
		roles:       map[string]int64{},
		groupRoles:  map[int64]map[int64]struct{}{},
		memberships: map[int64]map[int64]struct{}{},
		userClasses: map[string]storage.UserClassRecord{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.byLogin {
		c.byLogin[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.groupRoles {
		c.groupRoles[k] = cloneSet(v)
	}
	for k, v := range s.memberships {
		c.memberships[k] = cloneSet(v)
	}
	for k, v := range s.userClasses {
		c.userClasses[k] = v
	}
	return c
}

type Store struct {
	// writeMu serialises every mutation, including whole transactions.
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *state
	now     func() time.Time
}

var _ storage.TxUserStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

// txStore is the view handed to WithTx callbacks. It mutates a private
// copy of the state that is published only on success.
type txStore struct {
	state *state
	now   func() time.Time
}

func (s *Store) WithTx(ctx context.Context, fn func(store storage.UserStore) error) error {
	if fn == nil {
		return storage.ErrNilTxCallback
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&txStore{state: working, now: s.now}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

func (s *Store) mutate(ctx context.Context, fn func(tx *txStore) error) error {
	return s.WithTx(ctx, func(store storage.UserStore) error {
		return fn(store.(*txStore))
	})
}

func (s *Store) read() *txStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &txStore{state: s.state, now: s.now}
}

// AddGroup registers a group and returns its id. Existing groups are
// returned unchanged.
func (s *Store) AddGroup(name string) int64 {
	var id int64
	_ = s.mutate(context.Background(), func(tx *txStore) error {
		id = tx.ensureGroup(name)
		return nil
	})
	return id
}

// AssignRole grants role to every member of group, creating both as needed.
func (s *Store) AssignRole(group string, role string) {
	_ = s.mutate(context.Background(), func(tx *txStore) error {
		groupID := tx.ensureGroup(group)
		roleID, ok := tx.state.roles[role]
		if !ok {
			tx.state.nextID++
			roleID = tx.state.nextID
			tx.state.roles[role] = roleID
		}
		if tx.state.groupRoles[groupID] == nil {
			tx.state.groupRoles[groupID] = map[int64]struct{}{}
		}
		tx.state.groupRoles[groupID][roleID] = struct{}{}
		return nil
	})
}

func (s *Store) PutUserClass(record storage.UserClassRecord) {
	_ = s.mutate(context.Background(), func(tx *txStore) error {
		tx.state.userClasses[strings.ToLower(record.Domain)] = record
		return nil
	})
}

func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.users)
}

func (s *Store) FindByLoginAndDomain(ctx context.Context, login string, domain string) (storage.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).FindByLoginAndDomain(ctx, login, domain)
}

func (s *Store) GetUser(ctx context.Context, id int64) (storage.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).GetUser(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, input storage.CreateUserInput) (storage.UserRecord, error) {
	var record storage.UserRecord
	err := s.mutate(ctx, func(tx *txStore) error {
		created, err := tx.CreateUser(ctx, input)
		record = created
		return err
	})
	return record, err
}

func (s *Store) SyncGroups(ctx context.Context, userID int64, added []string, removed []string) (storage.SyncResult, error) {
	var result storage.SyncResult
	err := s.mutate(ctx, func(tx *txStore) error {
		synced, err := tx.SyncGroups(ctx, userID, added, removed)
		result = synced
		return err
	})
	return result, err
}

func (s *Store) ListGroups(ctx context.Context, userID int64) ([]storage.GroupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).ListGroups(ctx, userID)
}

func (s *Store) ListRoles(ctx context.Context, userID int64) ([]storage.RoleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).ListRoles(ctx, userID)
}

func (s *Store) GetUserClass(ctx context.Context, domain string) (storage.UserClassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txStore{state: s.state}).GetUserClass(ctx, domain)
}

func (t *txStore) FindByLoginAndDomain(ctx context.Context, login string, domain string) (storage.UserRecord, error) {
	id, ok := t.state.byLogin[userKey{login: login, domain: strings.ToLower(domain)}]
	if !ok {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return t.state.users[id], nil
}

func (t *txStore) GetUser(ctx context.Context, id int64) (storage.UserRecord, error) {
	record, ok := t.state.users[id]
	if !ok {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (t *txStore) CreateUser(ctx context.Context, input storage.CreateUserInput) (storage.UserRecord, error) {
	if err := input.Validate(); err != nil {
		return storage.UserRecord{}, err
	}

	key := userKey{login: input.Login, domain: strings.ToLower(input.Domain)}
	if _, exists := t.state.byLogin[key]; exists {
		return storage.UserRecord{}, storage.ErrUserExists
	}

	groupID, ok := t.state.groups[input.PrimaryGroup]
	if !ok {
		return storage.UserRecord{}, storage.ErrUnknownGroup
	}

	t.state.nextID++
	record := storage.UserRecord{
		ID:             t.state.nextID,
		Login:          input.Login,
		Domain:         input.Domain,
		Lastname:       input.Lastname,
		Firstname:      input.Firstname,
		Email:          input.Email,
		PrimaryGroupID: groupID,
		PasswordHash:   input.PasswordHash,
		DateAdded:      t.clock().UTC(),
	}
	t.state.users[record.ID] = record
	t.state.byLogin[key] = record.ID
	t.state.memberships[record.ID] = map[int64]struct{}{groupID: {}}
	return record, nil
}

func (t *txStore) SyncGroups(ctx context.Context, userID int64, added []string, removed []string) (storage.SyncResult, error) {
	record, ok := t.state.users[userID]
	if !ok {
		return storage.SyncResult{}, storage.ErrNotFound
	}

	members := t.state.memberships[userID]
	if members == nil {
		members = map[int64]struct{}{}
		t.state.memberships[userID] = members
	}

	result := storage.SyncResult{Added: []string{}, Modified: []string{}, Removed: []string{}}
	for _, name := range added {
		groupID := t.ensureGroup(name)
		if _, present := members[groupID]; present {
			result.Modified = append(result.Modified, name)
			continue
		}
		members[groupID] = struct{}{}
		result.Added = append(result.Added, name)
	}
	for _, name := range removed {
		groupID, known := t.state.groups[name]
		if !known || groupID == record.PrimaryGroupID {
			continue
		}
		if _, present := members[groupID]; !present {
			continue
		}
		delete(members, groupID)
		result.Removed = append(result.Removed, name)
	}
	return result, nil
}

func (t *txStore) ListGroups(ctx context.Context, userID int64) ([]storage.GroupRecord, error) {
	if _, ok := t.state.users[userID]; !ok {
		return nil, storage.ErrNotFound
	}

	names := t.groupNames()
	groups := []storage.GroupRecord{}
	for groupID := range t.state.memberships[userID] {
		groups = append(groups, storage.GroupRecord{ID: groupID, Name: names[groupID]})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (t *txStore) ListRoles(ctx context.Context, userID int64) ([]storage.RoleRecord, error) {
	if _, ok := t.state.users[userID]; !ok {
		return nil, storage.ErrNotFound
	}

	roleNames := map[int64]string{}
	for name, id := range t.state.roles {
		roleNames[id] = name
	}

	seen := map[int64]struct{}{}
	roles := []storage.RoleRecord{}
	for groupID := range t.state.memberships[userID] {
		for roleID := range t.state.groupRoles[groupID] {
			if _, dup := seen[roleID]; dup {
				continue
			}
			seen[roleID] = struct{}{}
			roles = append(roles, storage.RoleRecord{ID: roleID, Name: roleNames[roleID]})
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (t *txStore) GetUserClass(ctx context.Context, domain string) (storage.UserClassRecord, error) {
	record, ok := t.state.userClasses[strings.ToLower(domain)]
	if !ok {
		return storage.UserClassRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (t *txStore) ensureGroup(name string) int64 {
	if id, ok := t.state.groups[name]; ok {
		return id
	}
	t.state.nextID++
	t.state.groups[name] = t.state.nextID
	return t.state.nextID
}

func (t *txStore) groupNames() map[int64]string {
	names := make(map[int64]string, len(t.state.groups))
	for name, id := range t.state.groups {
		names[id] = name
	}
	return names
}

func (t *txStore) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

func cloneSet(in map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
