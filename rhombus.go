// Package rhombus resolves session tokens to cached user identities.
//
// A Client owns the backends described by RuntimeConfig. In standalone
// mode it answers only from its own cache; with a remote authority
// configured it confirms unknown tokens upstream and provisions the users
// they belong to.
package rhombus

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/porthorian/rhombus/pkg/authority"
	"github.com/porthorian/rhombus/pkg/cache"
	"github.com/porthorian/rhombus/pkg/credential"
	"github.com/porthorian/rhombus/pkg/crypto"
	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/metrics"
	"github.com/porthorian/rhombus/pkg/session"
	"github.com/porthorian/rhombus/pkg/storage"
	"github.com/porthorian/rhombus/pkg/token"
)

// Config carries explicit collaborators. Any left nil is built from
// Runtime during New.
type Config struct {
	Cache       cache.IdentityCache
	Store       storage.TxUserStore
	Keys        *crypto.KeyDeriver
	Authority   authority.Authority
	Credentials *credential.Registry
	Hasher      crypto.Hasher
	Metrics     *metrics.Metrics
	Warnings    session.WarningSink
	Logger      logr.Logger
	Now         func() time.Time
	Runtime     RuntimeConfig
}

func (c Config) now() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

type Client struct {
	resolver      *session.Resolver
	manager       *session.Manager
	logger        logr.Logger
	closeResource func() error
}

func New(config Config) (*Client, error) {
	return NewContext(context.Background(), config)
}

// NewContext is New with a context bounding backend connection checks.
func NewContext(ctx context.Context, config Config) (*Client, error) {
	closeResource, resolved, err := config.initialize(ctx)
	if err != nil {
		return nil, err
	}

	client, err := newClient(resolved)
	if err != nil {
		_ = closeResource()
		return nil, err
	}
	client.closeResource = closeResource

	resolved.Logger.Info("rhombus client ready", "mode", client.Mode().String())
	return client, nil
}

func newClient(config Config) (*Client, error) {
	sessionConfig := config.Runtime.Session
	resolver, err := session.NewResolver(session.ResolverConfig{
		Cache:            config.Cache,
		Store:            config.Store,
		Keys:             config.Keys,
		Authority:        config.Authority,
		Expiration:       sessionConfig.Expiration,
		RefreshFraction:  sessionConfig.RefreshFraction,
		DefaultUserClass: sessionConfig.DefaultUserClass,
		Warnings:         config.Warnings,
		Metrics:          config.Metrics,
		Logger:           config.Logger,
		Now:              config.now(),
	})
	if err != nil {
		return nil, err
	}

	scheme, err := credential.ParseScheme(config.Runtime.Credential.Scheme)
	if err != nil {
		return nil, err
	}
	manager, err := session.NewManager(session.ManagerConfig{
		Resolver:      resolver,
		Credentials:   config.Credentials,
		DefaultScheme: scheme,
		CookieName:    config.Runtime.Auth.CookieName,
		Tokens:        token.Codec{Now: config.now()},
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		resolver: resolver,
		manager:  manager,
		logger:   config.Logger,
	}, nil
}

func (c *Client) Resolver() *session.Resolver {
	if c == nil {
		return nil
	}
	return c.resolver
}

func (c *Client) Manager() *session.Manager {
	if c == nil {
		return nil
	}
	return c.manager
}

func (c *Client) Mode() session.Mode {
	if c == nil || c.resolver == nil {
		return session.ModeStandalone
	}
	return c.resolver.Mode()
}

func (c *Client) Close() error {
	if c == nil || c.closeResource == nil {
		return nil
	}

	err := c.closeResource()
	if err != nil {
		return rerrors.Wrap(rerrors.CodeUnknown, "failed to close client resources", err)
	}
	c.closeResource = nil
	c.resolver = nil
	c.manager = nil
	return nil
}
