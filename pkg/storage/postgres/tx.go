package postgres

import (
	"context"

	"github.com/porthorian/rhombus/pkg/storage"
)

func (a *Adapter) WithTx(ctx context.Context, fn func(store storage.UserStore) error) error {
	if fn == nil {
		return storage.ErrNilTxCallback
	}

	if a != nil && a.inTx {
		return fn(a)
	}

	db, err := a.requireDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&Adapter{db: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true

	return nil
}

func (a *Adapter) inTransaction(ctx context.Context, fn func(tx *Adapter) error) error {
	return a.WithTx(ctx, func(store storage.UserStore) error {
		return fn(store.(*Adapter))
	})
}
