// Package authz answers permission questions over a resolved identity.
package authz

import "github.com/porthorian/rhombus/pkg/identity"

// Well-known role names seeded by the default migrations.
const (
	RoleSysAdmin  = "SYSADM"
	RoleSysView   = "SYSVIEW"
	RoleDataAdmin = "DATAADM"
	RoleDataView  = "DATAVIEW"
)

func HasRole(snapshot identity.Snapshot, role string) bool {
	return snapshot.HasRole(role)
}

// HasAnyRole reports whether the snapshot carries at least one of roles.
// An empty list is never satisfied.
func HasAnyRole(snapshot identity.Snapshot, roles ...string) bool {
	for _, role := range roles {
		if snapshot.HasRole(role) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the snapshot carries every one of roles.
func HasAllRoles(snapshot identity.Snapshot, roles ...string) bool {
	for _, role := range roles {
		if !snapshot.HasRole(role) {
			return false
		}
	}
	return true
}

func InGroup(snapshot identity.Snapshot, group string) bool {
	return snapshot.HasGroup(group)
}

// IsPrimaryGroup reports whether group is the user's primary group.
func IsPrimaryGroup(snapshot identity.Snapshot, group string) bool {
	for _, ref := range snapshot.Groups {
		if ref.Name == group {
			return ref.ID == snapshot.PrimaryGroupID
		}
	}
	return false
}
