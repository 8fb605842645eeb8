package rhombus

import (
	"context"

	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/session"
	"github.com/porthorian/rhombus/pkg/storage"
)

// Resolve returns the identity behind raw. Every failure reads as absent.
func (c *Client) Resolve(ctx context.Context, raw string) (identity.Snapshot, bool) {
	if c == nil || c.resolver == nil {
		return identity.Snapshot{}, false
	}
	return c.resolver.Resolve(ctx, raw)
}

// ResolveStrict is Resolve with store and remote failures reported.
func (c *Client) ResolveStrict(ctx context.Context, raw string) (identity.Snapshot, bool, error) {
	if c == nil || c.resolver == nil {
		return identity.Snapshot{}, false, rerrors.ErrClientClosed
	}
	return c.resolver.ResolveStrict(ctx, raw)
}

func (c *Client) ResolveUserID(ctx context.Context, userID int64) (identity.Snapshot, bool) {
	if c == nil || c.resolver == nil {
		return identity.Snapshot{}, false
	}
	return c.resolver.ResolveUserID(ctx, userID)
}

func (c *Client) Login(ctx context.Context, login string, domain string, password string) (session.LoginResult, error) {
	if c == nil || c.manager == nil {
		return session.LoginResult{}, rerrors.ErrClientClosed
	}
	return c.manager.Login(ctx, login, domain, password)
}

func (c *Client) LoginVerified(ctx context.Context, user storage.UserRecord) (session.LoginResult, error) {
	if c == nil || c.manager == nil {
		return session.LoginResult{}, rerrors.ErrClientClosed
	}
	return c.manager.LoginVerified(ctx, user)
}

func (c *Client) Logout(ctx context.Context, raw string) (session.CookieInstruction, error) {
	if c == nil || c.manager == nil {
		return session.CookieInstruction{Name: session.DefaultCookieName, Clear: true}, rerrors.ErrClientClosed
	}
	return c.manager.Logout(ctx, raw)
}

// Attach stores the identity behind raw in the returned context.
func (c *Client) Attach(ctx context.Context, raw string) context.Context {
	if c == nil || c.manager == nil {
		return identity.Without(ctx)
	}
	return c.manager.Attach(ctx, raw)
}

func (c *Client) CookieName() string {
	if c == nil || c.manager == nil {
		return session.DefaultCookieName
	}
	return c.manager.CookieName()
}
