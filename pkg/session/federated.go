package session

import (
	"context"
	"errors"
	"strings"

	"github.com/porthorian/rhombus/pkg/authority"
	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/metrics"
	"github.com/porthorian/rhombus/pkg/storage"
	"github.com/porthorian/rhombus/pkg/token"
)

type confirmResult struct {
	snapshot identity.Snapshot
	ok       bool
}

// Profile is the display data written when a user is created.
type Profile struct {
	Lastname  string
	Firstname string
	Email     string
}

// provisioningDisabled aborts the store transaction without being an error
// for the caller.
type provisioningDisabled struct {
	warning rerrors.ProvisioningDisabledWarning
}

func (p *provisioningDisabled) Error() string {
	return p.warning.Warning()
}

// confirm handles a federated cache miss: ask the authority, provision the
// user and its memberships, then cache the derived identity.
func (r *Resolver) confirm(ctx context.Context, key string, raw string) (confirmResult, error) {
	parsed, err := token.Parse(raw)
	if err != nil {
		r.metrics.Resolution(metrics.OutcomeMalformed)
		return confirmResult{}, err
	}

	started := r.now()
	confirmation, err := r.authority.Confirm(ctx, raw)
	r.metrics.RemoteDuration(r.now().Sub(started))
	if err != nil {
		r.metrics.Resolution(metrics.OutcomeRemoteError)
		return confirmResult{}, err
	}
	if !confirmation.Confirmed {
		r.metrics.Resolution(metrics.OutcomeRejected)
		r.logger.V(1).Info("token rejected by authority", "token", token.Redact(raw))
		return confirmResult{}, nil
	}

	var (
		snapshot identity.Snapshot
		created  bool
	)
	err = r.store.WithTx(ctx, func(tx storage.UserStore) error {
		profile := Profile{
			Lastname:  confirmation.UserInfo.Lastname,
			Firstname: confirmation.UserInfo.Firstname,
			Email:     confirmation.UserInfo.Email,
		}
		user, isNew, err := r.ensureUser(ctx, tx, parsed.Login, parsed.Domain, profile)
		if err != nil {
			return err
		}
		created = isNew

		removed, err := revokedGroups(ctx, tx, user.ID, confirmation.UserInfo)
		if err != nil {
			return err
		}
		result, err := tx.SyncGroups(ctx, user.ID, confirmation.UserInfo.GroupsAdded, removed)
		if err != nil {
			return err
		}
		// The sync result is only logged. The snapshot below is re-derived
		// from the store, so modified memberships need no further handling.
		r.logger.V(1).Info("memberships synchronized", "userID", user.ID, "added", result.Added, "modified", result.Modified, "removed", result.Removed)

		snapshot, err = BuildSnapshot(ctx, tx, user, r.now())
		return err
	})

	var disabled *provisioningDisabled
	switch {
	case errors.As(err, &disabled):
		r.metrics.Resolution(metrics.OutcomeDenied)
		r.warnings(ctx, disabled.warning)
		return confirmResult{}, nil
	case err != nil:
		r.metrics.Resolution(metrics.OutcomeStoreError)
		return confirmResult{}, rerrors.Wrap(rerrors.CodeStorageUnavailable, "provision confirmed user", err)
	}

	if err := r.cache.Set(ctx, key, snapshot, r.expiration); err != nil {
		r.logger.Error(err, "identity cache write failed", "userID", snapshot.UserID)
	}

	if created {
		r.metrics.Resolution(metrics.OutcomeProvisioned)
		r.logger.Info("provisioned user from remote authority", "login", parsed.Login, "domain", parsed.Domain, "userID", snapshot.UserID)
	} else {
		r.metrics.Resolution(metrics.OutcomeConfirmed)
	}
	return confirmResult{snapshot: snapshot, ok: true}, nil
}

// ensureUser finds login/domain or creates it when the domain's userclass
// allows it. A concurrent creation by another node counts as found.
func (r *Resolver) ensureUser(ctx context.Context, store storage.UserStore, login string, domain string, profile Profile) (storage.UserRecord, bool, error) {
	user, err := store.FindByLoginAndDomain(ctx, login, domain)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.UserRecord{}, false, err
	}

	class, err := r.userClass(ctx, store, domain)
	if err != nil {
		return storage.UserRecord{}, false, err
	}
	if !class.AutoAdd || class.DefaultGroup == "" {
		return storage.UserRecord{}, false, &provisioningDisabled{warning: rerrors.ProvisioningDisabledWarning{
			Login:     login,
			Domain:    domain,
			UserClass: class.Name,
		}}
	}

	user, err = store.CreateUser(ctx, storage.CreateUserInput{
		Login:        login,
		Domain:       domain,
		Lastname:     profile.Lastname,
		Firstname:    profile.Firstname,
		Email:        profile.Email,
		PrimaryGroup: class.DefaultGroup,
	})
	if errors.Is(err, storage.ErrUserExists) {
		user, err = store.FindByLoginAndDomain(ctx, login, domain)
		return user, false, err
	}
	if err != nil {
		return storage.UserRecord{}, false, err
	}
	return user, true, nil
}

// revokedGroups returns the groups to drop for userID. When the authority
// reports its full membership, every local group missing from it is
// dropped too. SyncGroups never drops the primary group.
func revokedGroups(ctx context.Context, store storage.UserStore, userID int64, info authority.UserInfo) ([]string, error) {
	removed := append([]string{}, info.GroupsRemoved...)
	if info.Groups == nil {
		return removed, nil
	}

	current := make(map[string]struct{}, len(info.Groups))
	for _, name := range info.Groups {
		current[name] = struct{}{}
	}
	local, err := store.ListGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, group := range local {
		if _, ok := current[group.Name]; !ok {
			removed = append(removed, group.Name)
		}
	}
	return removed, nil
}

// userClass returns the provisioning policy for domain. An empty domain
// uses the configured default userclass key. Unknown domains get a policy
// that forbids auto-add.
func (r *Resolver) userClass(ctx context.Context, store storage.UserStore, domain string) (storage.UserClassRecord, error) {
	key := strings.TrimSpace(domain)
	if key == "" && r.defaultUserClass != "" {
		key = r.defaultUserClass
	}

	class, err := store.GetUserClass(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.UserClassRecord{Domain: domain, Name: key}, nil
	}
	if err != nil {
		return storage.UserClassRecord{}, err
	}
	if class.Name == "" {
		class.Name = key
	}
	return class, nil
}

var _ authority.Resolver = (*Resolver)(nil)
