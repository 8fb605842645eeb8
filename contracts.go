package rhombus

import (
	"context"

	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/session"
)

// IdentityResolver turns a raw token into an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, raw string) (identity.Snapshot, bool)
	ResolveUserID(ctx context.Context, userID int64) (identity.Snapshot, bool)
}

// SessionService is what a request pipeline drives: attach on the way in,
// login and logout from their handlers.
type SessionService interface {
	IdentityResolver
	Attach(ctx context.Context, raw string) context.Context
	Login(ctx context.Context, login string, domain string, password string) (session.LoginResult, error)
	Logout(ctx context.Context, raw string) (session.CookieInstruction, error)
	CookieName() string
}

var (
	_ SessionService   = (*Client)(nil)
	_ IdentityResolver = (*session.Resolver)(nil)
)
