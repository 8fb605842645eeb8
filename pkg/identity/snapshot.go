package identity

import (
	"sort"
	"time"
)

// Ref names a group or role by name and id.
type Ref struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// Snapshot is a point-in-time view of a user and its memberships. It holds
// no live handles so it can be serialised into any cache backend.
type Snapshot struct {
	Login           string    `json:"login"`
	UserID          int64     `json:"user_id"`
	PrimaryGroupID  int64     `json:"primary_group_id"`
	Domain          string    `json:"domain"`
	Lastname        string    `json:"lastname,omitempty"`
	Firstname       string    `json:"firstname,omitempty"`
	Email           string    `json:"email,omitempty"`
	Groups          []Ref     `json:"groups"`
	Roles           []Ref     `json:"roles"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// NormalizeRefs sorts refs by name and drops repeated names.
func NormalizeRefs(refs []Ref) []Ref {
	if len(refs) == 0 {
		return []Ref{}
	}

	sorted := make([]Ref, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	out := sorted[:0]
	for i, ref := range sorted {
		if i > 0 && ref.Name == out[len(out)-1].Name {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	s.Groups = append([]Ref{}, s.Groups...)
	s.Roles = append([]Ref{}, s.Roles...)
	return s
}

func (s Snapshot) IsZero() bool {
	return s.UserID == 0 && s.Login == ""
}

func (s Snapshot) HasRole(name string) bool {
	return containsRef(s.Roles, name)
}

func (s Snapshot) HasGroup(name string) bool {
	return containsRef(s.Groups, name)
}

// PrimaryGroup returns the member group whose id is PrimaryGroupID.
func (s Snapshot) PrimaryGroup() (Ref, bool) {
	for _, group := range s.Groups {
		if group.ID == s.PrimaryGroupID {
			return group, true
		}
	}
	return Ref{}, false
}

func (s Snapshot) GroupNames() []string {
	return refNames(s.Groups)
}

func (s Snapshot) RoleNames() []string {
	return refNames(s.Roles)
}

// Stale reports whether the snapshot was last refreshed more than
// fraction*expiration ago.
func (s Snapshot) Stale(now time.Time, expiration time.Duration, fraction float64) bool {
	if expiration <= 0 {
		return false
	}
	threshold := time.Duration(float64(expiration) * fraction)
	return now.Sub(s.LastRefreshedAt) > threshold
}

func containsRef(refs []Ref, name string) bool {
	for _, ref := range refs {
		if ref.Name == name {
			return true
		}
	}
	return false
}

func refNames(refs []Ref) []string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names
}
