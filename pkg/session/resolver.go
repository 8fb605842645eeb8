package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/porthorian/rhombus/pkg/authority"
	"github.com/porthorian/rhombus/pkg/cache"
	"github.com/porthorian/rhombus/pkg/crypto"
	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/metrics"
	"github.com/porthorian/rhombus/pkg/storage"
	"github.com/porthorian/rhombus/pkg/token"
)

type ResolverConfig struct {
	Cache cache.IdentityCache
	// Store is required in federated mode and for ResolveUserID.
	Store storage.TxUserStore
	Keys  *crypto.KeyDeriver
	// Authority selects federated mode when set.
	Authority authority.Authority

	Expiration       time.Duration
	RefreshFraction  float64
	DefaultUserClass string

	Warnings WarningSink
	Metrics  *metrics.Metrics
	Logger   logr.Logger
	Now      func() time.Time
}

type Resolver struct {
	cache            cache.IdentityCache
	store            storage.TxUserStore
	keys             *crypto.KeyDeriver
	authority        authority.Authority
	expiration       time.Duration
	refreshFraction  float64
	defaultUserClass string
	warnings         WarningSink
	metrics          *metrics.Metrics
	logger           logr.Logger
	now              func() time.Time

	inflight singleflight.Group
}

func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Cache == nil {
		return nil, rerrors.ErrMissingCache
	}
	if config.Keys == nil {
		return nil, errors.New("session: cache key deriver is required")
	}
	if config.Authority != nil && config.Store == nil {
		return nil, rerrors.ErrMissingStore
	}

	expiration := config.Expiration
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	fraction := config.RefreshFraction
	if fraction == 0 {
		fraction = DefaultRefreshFraction
	}
	if fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("session: refresh fraction must be within (0, 1], got %v", fraction)
	}

	logger := config.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	warnings := config.Warnings
	if warnings == nil {
		warnings = func(ctx context.Context, warning rerrors.Warning) {
			logger.Info("resolution warning", "warning", warning.Warning())
		}
	}

	return &Resolver{
		cache:            config.Cache,
		store:            config.Store,
		keys:             config.Keys,
		authority:        config.Authority,
		expiration:       expiration,
		refreshFraction:  fraction,
		defaultUserClass: config.DefaultUserClass,
		warnings:         warnings,
		metrics:          config.Metrics,
		logger:           logger,
		now:              now,
	}, nil
}

func (r *Resolver) Mode() Mode {
	if r.authority != nil {
		return ModeFederated
	}
	return ModeStandalone
}

func (r *Resolver) Expiration() time.Duration {
	return r.expiration
}

// Resolve returns the identity for raw, or false when the request is to be
// treated as unauthenticated. It never fails.
func (r *Resolver) Resolve(ctx context.Context, raw string) (identity.Snapshot, bool) {
	snapshot, ok, err := r.ResolveStrict(ctx, raw)
	if err != nil {
		r.logResolveError(err, raw)
	}
	return snapshot, ok
}

// ResolveStrict is Resolve for callers that want to see why a token did
// not resolve. The identity is absent whenever err is non-nil.
func (r *Resolver) ResolveStrict(ctx context.Context, raw string) (identity.Snapshot, bool, error) {
	if raw == "" {
		return identity.Snapshot{}, false, nil
	}

	key := r.keys.TokenKey(raw)
	snapshot, ok, err := r.cache.Get(ctx, key, r.expiration)
	if err != nil {
		r.metrics.Resolution(metrics.OutcomeStoreError)
		return identity.Snapshot{}, false, rerrors.Wrap(rerrors.CodeStorageUnavailable, "identity cache read failed", err)
	}
	r.metrics.CacheLookup(ok)

	if !ok {
		if r.Mode() == ModeStandalone {
			r.metrics.Resolution(metrics.OutcomeAbsent)
			return identity.Snapshot{}, false, nil
		}

		// The shared call outlives any single caller. The authority client
		// bounds it with its own timeout.
		shared := context.WithoutCancel(ctx)
		calls := r.inflight.DoChan(key, func() (any, error) {
			return r.confirm(shared, key, raw)
		})
		var call singleflight.Result
		select {
		case call = <-calls:
		case <-ctx.Done():
			return identity.Snapshot{}, false, ctx.Err()
		}
		if call.Err != nil {
			return identity.Snapshot{}, false, call.Err
		}
		result := call.Val.(confirmResult)
		if !result.ok {
			return identity.Snapshot{}, false, nil
		}
		snapshot = result.snapshot.Clone()
	} else {
		r.metrics.Resolution(metrics.OutcomeHit)
	}

	return r.refresh(ctx, key, snapshot), true, nil
}

// ResolveUserID resolves the request identity of an already authenticated
// user id. The store is authoritative, so a miss re-derives and caches.
func (r *Resolver) ResolveUserID(ctx context.Context, userID int64) (identity.Snapshot, bool) {
	if userID <= 0 {
		return identity.Snapshot{}, false
	}

	key := r.keys.UserKey(userID)
	snapshot, ok, err := r.cache.Get(ctx, key, r.expiration)
	if err != nil {
		r.logger.Error(err, "identity cache read failed", "userID", userID)
		return identity.Snapshot{}, false
	}
	r.metrics.CacheLookup(ok)
	if ok {
		return r.refresh(ctx, key, snapshot), true
	}

	if r.store == nil {
		return identity.Snapshot{}, false
	}

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error(err, "load user failed", "userID", userID)
		}
		return identity.Snapshot{}, false
	}
	snapshot, err = BuildSnapshot(ctx, r.store, user, r.now())
	if err != nil {
		r.logger.Error(err, "derive identity failed", "userID", userID)
		return identity.Snapshot{}, false
	}
	if err := r.cache.Set(ctx, key, snapshot, r.expiration); err != nil {
		r.logger.Error(err, "identity cache write failed", "userID", userID)
	}
	return snapshot, true
}

// CheckAttached fails when ctx already carries a different user than the
// one just resolved. That only happens on cache corruption or key collision.
func (r *Resolver) CheckAttached(ctx context.Context, resolved identity.Snapshot) error {
	attached, ok := identity.FromContext(ctx)
	if !ok || attached.UserID == resolved.UserID {
		return nil
	}

	err := &rerrors.InconsistentSessionError{AttachedUserID: attached.UserID, ResolvedUserID: resolved.UserID}
	r.logger.Error(err, "inconsistent session identity", "attachedUserID", attached.UserID, "resolvedUserID", resolved.UserID)
	return err
}

// refresh slides the entry forward once it is older than the refresh
// threshold. Memberships are left as they are.
func (r *Resolver) refresh(ctx context.Context, key string, snapshot identity.Snapshot) identity.Snapshot {
	now := r.now()
	if !snapshot.Stale(now, r.expiration, r.refreshFraction) {
		return snapshot
	}

	snapshot.LastRefreshedAt = now.UTC()
	if err := r.cache.Set(ctx, key, snapshot, r.expiration); err != nil {
		r.logger.Error(err, "identity cache refresh failed", "userID", snapshot.UserID)
		return snapshot
	}
	r.metrics.Refresh()
	r.logger.V(1).Info("identity refreshed", "userID", snapshot.UserID)
	return snapshot
}

func (r *Resolver) logResolveError(err error, raw string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.V(1).Info("token resolution abandoned", "token", token.Redact(raw), "reason", err.Error())
		return
	}
	switch rerrors.CodeOf(err) {
	case rerrors.CodeMalformedToken, rerrors.CodeRemoteAuthority:
		r.logger.V(1).Info("token not resolved", "token", token.Redact(raw), "reason", err.Error())
	default:
		r.logger.Error(err, "token resolution failed", "token", token.Redact(raw))
	}
}

// BuildSnapshot derives a fresh identity for user from store.
func BuildSnapshot(ctx context.Context, store storage.UserStore, user storage.UserRecord, now time.Time) (identity.Snapshot, error) {
	groups, err := store.ListGroups(ctx, user.ID)
	if err != nil {
		return identity.Snapshot{}, fmt.Errorf("list groups: %w", err)
	}
	roles, err := store.ListRoles(ctx, user.ID)
	if err != nil {
		return identity.Snapshot{}, fmt.Errorf("list roles: %w", err)
	}

	snapshot := identity.Snapshot{
		Login:           user.Login,
		UserID:          user.ID,
		PrimaryGroupID:  user.PrimaryGroupID,
		Domain:          user.Domain,
		Lastname:        user.Lastname,
		Firstname:       user.Firstname,
		Email:           user.Email,
		Groups:          make([]identity.Ref, 0, len(groups)),
		Roles:           make([]identity.Ref, 0, len(roles)),
		LastRefreshedAt: now.UTC(),
	}
	for _, group := range groups {
		snapshot.Groups = append(snapshot.Groups, identity.Ref{Name: group.Name, ID: group.ID})
	}
	for _, role := range roles {
		snapshot.Roles = append(snapshot.Roles, identity.Ref{Name: role.Name, ID: role.ID})
	}
	snapshot.Groups = identity.NormalizeRefs(snapshot.Groups)
	snapshot.Roles = identity.NormalizeRefs(snapshot.Roles)
	return snapshot, nil
}
