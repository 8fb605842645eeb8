package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/porthorian/rhombus/pkg/storage"
)

const (
	primaryGroupQuery = `SELECT primary_group_id FROM rhombus.users WHERE id = $1`

	ensureGroupQuery = `
INSERT INTO rhombus.groups (name)
VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id
`

	removeMembershipQuery = `
DELETE FROM rhombus.user_groups ug
USING rhombus.groups g
WHERE ug.group_id = g.id
  AND ug.user_id = $1
  AND g.name = $2
  AND g.id <> $3
`

	listGroupsQuery = `
SELECT g.id, g.name
FROM rhombus.user_groups ug
JOIN rhombus.groups g ON g.id = ug.group_id
WHERE ug.user_id = $1
ORDER BY g.name
`

	listRolesQuery = `
SELECT DISTINCT r.id, r.name
FROM rhombus.user_groups ug
JOIN rhombus.group_roles gr ON gr.group_id = ug.group_id
JOIN rhombus.roles r ON r.id = gr.role_id
WHERE ug.user_id = $1
ORDER BY r.name
`
)

func (a *Adapter) SyncGroups(ctx context.Context, userID int64, added []string, removed []string) (storage.SyncResult, error) {
	result := storage.SyncResult{Added: []string{}, Modified: []string{}, Removed: []string{}}

	err := a.inTransaction(ctx, func(tx *Adapter) error {
		var primaryGroupID int64
		if err := tx.db.QueryRow(ctx, primaryGroupQuery, userID).Scan(&primaryGroupID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrNotFound
			}
			return err
		}

		for _, name := range added {
			var groupID int64
			if err := tx.db.QueryRow(ctx, ensureGroupQuery, name).Scan(&groupID); err != nil {
				return err
			}
			tag, err := tx.db.Exec(ctx, insertMembershipQuery, userID, groupID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				result.Modified = append(result.Modified, name)
				continue
			}
			result.Added = append(result.Added, name)
		}

		for _, name := range removed {
			tag, err := tx.db.Exec(ctx, removeMembershipQuery, userID, name, primaryGroupID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() > 0 {
				result.Removed = append(result.Removed, name)
			}
		}
		return nil
	})
	if err != nil {
		return storage.SyncResult{}, err
	}
	return result, nil
}

func (a *Adapter) ListGroups(ctx context.Context, userID int64) ([]storage.GroupRecord, error) {
	db, err := a.requireDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listGroupsQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []storage.GroupRecord{}
	for rows.Next() {
		var group storage.GroupRecord
		if err := rows.Scan(&group.ID, &group.Name); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (a *Adapter) ListRoles(ctx context.Context, userID int64) ([]storage.RoleRecord, error) {
	db, err := a.requireDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listRolesQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []storage.RoleRecord{}
	for rows.Next() {
		var role storage.RoleRecord
		if err := rows.Scan(&role.ID, &role.Name); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}
