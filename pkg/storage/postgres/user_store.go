package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/porthorian/rhombus/pkg/storage"
)

const (
	userColumns = `id, login, domain, lastname, firstname, email, primary_group_id, password_hash, date_added, date_modified`

	findUserByLoginQuery = `
SELECT ` + userColumns + `
FROM rhombus.users
WHERE login = $1 AND lower(domain) = lower($2)
`

	getUserQuery = `
SELECT ` + userColumns + `
FROM rhombus.users
WHERE id = $1
`

	groupIDByNameQuery = `SELECT id FROM rhombus.groups WHERE name = $1`

	insertUserQuery = `
INSERT INTO rhombus.users (
  login, domain, lastname, firstname, email, primary_group_id, password_hash, date_added
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT DO NOTHING
RETURNING id
`

	insertMembershipQuery = `
INSERT INTO rhombus.user_groups (user_id, group_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`

	getUserClassQuery = `
SELECT domain, name, auto_add, default_group, cred_scheme
FROM rhombus.userclasses
WHERE lower(domain) = lower($1)
`
)

func (a *Adapter) FindByLoginAndDomain(ctx context.Context, login string, domain string) (storage.UserRecord, error) {
	db, err := a.requireDB()
	if err != nil {
		return storage.UserRecord{}, err
	}
	return scanUser(db.QueryRow(ctx, findUserByLoginQuery, login, domain))
}

func (a *Adapter) GetUser(ctx context.Context, id int64) (storage.UserRecord, error) {
	db, err := a.requireDB()
	if err != nil {
		return storage.UserRecord{}, err
	}
	return scanUser(db.QueryRow(ctx, getUserQuery, id))
}

func (a *Adapter) CreateUser(ctx context.Context, input storage.CreateUserInput) (storage.UserRecord, error) {
	if err := input.Validate(); err != nil {
		return storage.UserRecord{}, err
	}

	var record storage.UserRecord
	err := a.inTransaction(ctx, func(tx *Adapter) error {
		var groupID int64
		if err := tx.db.QueryRow(ctx, groupIDByNameQuery, input.PrimaryGroup).Scan(&groupID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrUnknownGroup
			}
			return err
		}

		dateAdded := time.Now().UTC()
		var id int64
		err := tx.db.QueryRow(ctx, insertUserQuery,
			input.Login,
			input.Domain,
			input.Lastname,
			input.Firstname,
			input.Email,
			groupID,
			input.PasswordHash,
			dateAdded,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrUserExists
		}
		if err != nil {
			return err
		}

		if _, err := tx.db.Exec(ctx, insertMembershipQuery, id, groupID); err != nil {
			return err
		}

		record = storage.UserRecord{
			ID:             id,
			Login:          input.Login,
			Domain:         input.Domain,
			Lastname:       input.Lastname,
			Firstname:      input.Firstname,
			Email:          input.Email,
			PrimaryGroupID: groupID,
			PasswordHash:   input.PasswordHash,
			DateAdded:      dateAdded,
		}
		return nil
	})
	if err != nil {
		return storage.UserRecord{}, err
	}
	return record, nil
}

func (a *Adapter) GetUserClass(ctx context.Context, domain string) (storage.UserClassRecord, error) {
	db, err := a.requireDB()
	if err != nil {
		return storage.UserClassRecord{}, err
	}

	var record storage.UserClassRecord
	err = db.QueryRow(ctx, getUserClassQuery, domain).Scan(
		&record.Domain,
		&record.Name,
		&record.AutoAdd,
		&record.DefaultGroup,
		&record.CredScheme,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.UserClassRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.UserClassRecord{}, err
	}
	return record, nil
}

func scanUser(s scanner) (storage.UserRecord, error) {
	var (
		record       storage.UserRecord
		dateModified *time.Time
	)

	err := s.Scan(
		&record.ID,
		&record.Login,
		&record.Domain,
		&record.Lastname,
		&record.Firstname,
		&record.Email,
		&record.PrimaryGroupID,
		&record.PasswordHash,
		&record.DateAdded,
		&dateModified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.UserRecord{}, err
	}

	record.DateAdded = record.DateAdded.UTC()
	if dateModified != nil {
		t := dateModified.UTC()
		record.DateModified = &t
	}
	return record, nil
}
