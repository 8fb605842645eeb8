package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("storage: record not found")
	ErrUserExists     = errors.New("storage: user already exists")
	ErrAmbiguousUser  = errors.New("storage: more than one user matches")
	ErrUnknownGroup   = errors.New("storage: unknown group")
	ErrNilTxCallback  = errors.New("storage: transaction callback is nil")
	ErrStoreNotReady  = errors.New("storage: store not initialized")
	ErrInvalidRecord  = errors.New("storage: invalid record")
	ErrNotImplemented = errors.New("storage: not implemented")
)

type UserRecord struct {
	ID             int64
	Login          string
	Domain         string
	Lastname       string
	Firstname      string
	Email          string
	PrimaryGroupID int64
	PasswordHash   string
	DateAdded      time.Time
	DateModified   *time.Time
}

type GroupRecord struct {
	ID   int64
	Name string
}

type RoleRecord struct {
	ID   int64
	Name string
}

// UserClassRecord is the per-domain provisioning policy.
type UserClassRecord struct {
	Domain       string
	Name         string
	AutoAdd      bool
	DefaultGroup string
	CredScheme   string
}

type CreateUserInput struct {
	Login        string
	Domain       string
	Lastname     string
	Firstname    string
	Email        string
	PrimaryGroup string
	PasswordHash string
}

// SyncResult reports the outcome of reconciling group memberships.
// Modified lists groups requested as added that were already present.
type SyncResult struct {
	Added    []string
	Modified []string
	Removed  []string
}

type UserStore interface {
	FindByLoginAndDomain(ctx context.Context, login string, domain string) (UserRecord, error)
	GetUser(ctx context.Context, id int64) (UserRecord, error)
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	SyncGroups(ctx context.Context, userID int64, added []string, removed []string) (SyncResult, error)
	ListGroups(ctx context.Context, userID int64) ([]GroupRecord, error)
	ListRoles(ctx context.Context, userID int64) ([]RoleRecord, error)
	GetUserClass(ctx context.Context, domain string) (UserClassRecord, error)
}

// TxUserStore runs fn inside one atomic unit. fn's store must not be used
// after fn returns.
type TxUserStore interface {
	UserStore
	WithTx(ctx context.Context, fn func(store UserStore) error) error
}

func (i CreateUserInput) Validate() error {
	if i.Login == "" {
		return errors.Join(ErrInvalidRecord, errors.New("login is required"))
	}
	if i.PrimaryGroup == "" {
		return errors.Join(ErrInvalidRecord, errors.New("primary group is required"))
	}
	return nil
}
