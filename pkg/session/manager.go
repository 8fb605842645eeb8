package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/porthorian/rhombus/pkg/credential"
	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/metrics"
	"github.com/porthorian/rhombus/pkg/storage"
	"github.com/porthorian/rhombus/pkg/token"
)

type ManagerConfig struct {
	Resolver *Resolver
	// Store is where users are looked up at login; defaults to the
	// resolver's store.
	Store storage.TxUserStore

	// Credentials holds a validator per userclass credential scheme.
	// Domains without a userclass use DefaultScheme.
	Credentials   *credential.Registry
	DefaultScheme credential.Scheme

	CookieName string
	Tokens     token.Codec
	Metrics    *metrics.Metrics
	Logger     logr.Logger
}

type Manager struct {
	resolver      *Resolver
	store         storage.TxUserStore
	credentials   *credential.Registry
	defaultScheme credential.Scheme
	cookieName    string
	tokens        token.Codec
	metrics       *metrics.Metrics
	logger        logr.Logger
}

func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Resolver == nil {
		return nil, errors.New("session: resolver is required")
	}

	store := config.Store
	if store == nil {
		store = config.Resolver.store
	}
	cookieName := config.CookieName
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	defaultScheme := config.DefaultScheme
	if defaultScheme == "" {
		defaultScheme = credential.SchemeLocal
	}
	logger := config.Logger
	if logger.GetSink() == nil {
		logger = config.Resolver.logger
	}
	recorder := config.Metrics
	if recorder == nil {
		recorder = config.Resolver.metrics
	}

	return &Manager{
		resolver:      config.Resolver,
		store:         store,
		credentials:   config.Credentials,
		defaultScheme: defaultScheme,
		cookieName:    cookieName,
		tokens:        config.Tokens,
		metrics:       recorder,
		logger:        logger,
	}, nil
}

func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

// ParentDomain reports whether the authentication cookie should be shared
// with sibling hosts. Only federated deployments share it.
func (m *Manager) ParentDomain() bool {
	return m.resolver.Mode() == ModeFederated
}

// Login checks the password with the domain's credential scheme and opens a
// session for the matching local user.
func (m *Manager) Login(ctx context.Context, login string, domain string, password string) (LoginResult, error) {
	if m.store == nil {
		return LoginResult{}, rerrors.ErrMissingStore
	}

	class, err := m.resolver.userClass(ctx, m.store, domain)
	if err != nil {
		return LoginResult{}, rerrors.Wrap(rerrors.CodeStorageUnavailable, "load userclass", err)
	}
	scheme := m.defaultScheme
	if class.CredScheme != "" {
		scheme, err = credential.ParseScheme(class.CredScheme)
		if err != nil {
			return LoginResult{}, rerrors.Wrap(rerrors.CodeUnknown, "userclass credential scheme", err)
		}
	}
	validator, ok := m.credentials.Validator(scheme)
	if !ok {
		return LoginResult{}, rerrors.New(rerrors.CodeNotImplemented, fmt.Sprintf("no validator configured for scheme %q", scheme))
	}

	valid, err := validator.Validate(ctx, credential.Credentials{Login: login, Domain: domain, Password: password})
	if err != nil {
		m.metrics.Login(false)
		return LoginResult{}, rerrors.Wrap(rerrors.CodeUnknown, "credential check failed", err)
	}
	if !valid {
		m.metrics.Login(false)
		m.logger.Info("login rejected", "login", login, "domain", domain)
		return LoginResult{}, rerrors.New(rerrors.CodeInvalidCredentials, "invalid login or password")
	}

	var user storage.UserRecord
	err = m.store.WithTx(ctx, func(tx storage.UserStore) error {
		found, _, err := m.resolver.ensureUser(ctx, tx, login, domain, Profile{})
		user = found
		return err
	})
	var disabled *provisioningDisabled
	switch {
	case errors.As(err, &disabled):
		m.metrics.Login(false)
		m.resolver.warnings(ctx, disabled.warning)
		return LoginResult{}, rerrors.New(rerrors.CodeProvisioningDenied, disabled.warning.Warning())
	case err != nil:
		m.metrics.Login(false)
		return LoginResult{}, rerrors.Wrap(rerrors.CodeStorageUnavailable, "load user", err)
	}

	return m.LoginVerified(ctx, user)
}

// LoginVerified opens a session for a user whose credentials were already
// checked.
func (m *Manager) LoginVerified(ctx context.Context, user storage.UserRecord) (LoginResult, error) {
	if m.store == nil {
		return LoginResult{}, rerrors.ErrMissingStore
	}

	issued, err := m.tokens.Issue(user.Login, user.Domain)
	if err != nil {
		return LoginResult{}, rerrors.Wrap(rerrors.CodeInvalidToken, "issue token", err)
	}

	snapshot, err := BuildSnapshot(ctx, m.store, user, m.resolver.now())
	if err != nil {
		return LoginResult{}, rerrors.Wrap(rerrors.CodeStorageUnavailable, "derive identity", err)
	}

	raw := issued.String()
	expiration := m.resolver.expiration
	if err := m.resolver.cache.Set(ctx, m.resolver.keys.TokenKey(raw), snapshot, expiration); err != nil {
		return LoginResult{}, rerrors.Wrap(rerrors.CodeStorageUnavailable, "cache identity", err)
	}

	m.metrics.Login(true)
	m.logger.Info("login", "login", user.Login, "domain", user.Domain, "userID", user.ID, "token", token.Redact(raw))

	return LoginResult{
		Token:    issued,
		Snapshot: snapshot,
		Cookie: CookieInstruction{
			Name:         m.cookieName,
			Value:        raw,
			MaxAge:       expiration,
			ParentDomain: m.ParentDomain(),
		},
	}, nil
}

// Logout evicts the session for raw. It is safe to call without a session
// and more than once; the cookie is always cleared.
func (m *Manager) Logout(ctx context.Context, raw string) (CookieInstruction, error) {
	instruction := CookieInstruction{
		Name:         m.cookieName,
		Clear:        true,
		ParentDomain: m.ParentDomain(),
	}
	if raw == "" {
		return instruction, nil
	}

	if err := m.resolver.cache.Delete(ctx, m.resolver.keys.TokenKey(raw)); err != nil {
		return instruction, rerrors.Wrap(rerrors.CodeStorageUnavailable, "evict session", err)
	}
	m.metrics.Logout()
	m.logger.Info("logout", "token", token.Redact(raw))
	return instruction, nil
}

// Attach resolves raw and stores the identity on ctx. An unresolved token
// leaves ctx without an identity.
func (m *Manager) Attach(ctx context.Context, raw string) context.Context {
	snapshot, ok := m.resolver.Resolve(ctx, raw)
	if !ok {
		return ctx
	}
	if err := m.resolver.CheckAttached(ctx, snapshot); err != nil {
		return identity.Without(ctx)
	}
	return identity.WithSnapshot(ctx, snapshot)
}
