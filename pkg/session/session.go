// Package session resolves authentication tokens to cached identities and
// implements the login and logout hooks around them.
package session

import (
	"context"
	"time"

	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/porthorian/rhombus/pkg/identity"
	"github.com/porthorian/rhombus/pkg/token"
)

const (
	DefaultExpiration      = 12 * time.Hour
	DefaultRefreshFraction = 0.75
)

type Mode int

const (
	// ModeStandalone treats the local cache as the only session record.
	ModeStandalone Mode = iota
	// ModeFederated confirms unknown tokens with a remote authority.
	ModeFederated
)

func (m Mode) String() string {
	if m == ModeFederated {
		return "federated"
	}
	return "standalone"
}

// WarningSink receives user-facing conditions raised during resolution.
type WarningSink func(ctx context.Context, warning rerrors.Warning)

const DefaultCookieName = "rhombus_auth"

// CookieInstruction tells the transport how to set or clear the
// authentication cookie.
type CookieInstruction struct {
	Name   string
	Value  string
	MaxAge time.Duration
	Clear  bool
	// ParentDomain asks for the cookie to be scoped to the parent domain so
	// sibling deployments see it.
	ParentDomain bool
}

type LoginResult struct {
	Token    token.Token
	Snapshot identity.Snapshot
	Cookie   CookieInstruction
}
