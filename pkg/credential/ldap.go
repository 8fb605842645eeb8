package credential

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the part of *ldap.Conn used for simple binds.
type Conn interface {
	Bind(username string, password string) error
	Close() error
}

type DialFunc func(url string) (Conn, error)

func dialLDAP(url string) (Conn, error) {
	conn, err := ldap.DialURL(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// LDAP validates by binding as the user's DN.
type LDAP struct {
	URL          string
	BindTemplate string
	Dial         DialFunc
}

func (l *LDAP) Validate(ctx context.Context, creds Credentials) (bool, error) {
	// An empty password is an unauthenticated bind and always succeeds.
	if creds.Login == "" || creds.Password == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dial := l.Dial
	if dial == nil {
		dial = dialLDAP
	}
	conn, err := dial(l.URL)
	if err != nil {
		return false, fmt.Errorf("credential: ldap dial: %w", err)
	}
	defer conn.Close()

	dn := fmt.Sprintf(l.BindTemplate, ldap.EscapeDN(creds.Login))
	if err := conn.Bind(dn, creds.Password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return false, nil
		}
		return false, fmt.Errorf("credential: ldap bind: %w", err)
	}
	return true, nil
}
