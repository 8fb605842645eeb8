package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/porthorian/rhombus/pkg/storage"
)

// DB is the subset of pgxpool.Pool and pgx.Tx the adapter needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var ErrNilDB = errors.New("postgres adapter: db is nil")

type Adapter struct {
	db DB
	// inTx is set on adapters handed to WithTx callbacks.
	inTx bool
}

var _ storage.TxUserStore = (*Adapter)(nil)

func NewAdapter(db DB) (*Adapter, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	return &Adapter{db: db}, nil
}

func (a *Adapter) requireDB() (DB, error) {
	if a == nil || a.db == nil {
		return nil, ErrNilDB
	}
	return a.db, nil
}

type scanner interface {
	Scan(dest ...any) error
}
