// Package credential checks login passwords against the scheme configured
// for a userclass.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/porthorian/rhombus/pkg/crypto"
	"github.com/porthorian/rhombus/pkg/storage"
)

type Scheme string

const (
	SchemeLocal     Scheme = "local"
	SchemeLDAP      Scheme = "ldap"
	SchemeHTTPBasic Scheme = "http_basic"
)

func ParseScheme(value string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(value))) {
	case "", SchemeLocal:
		return SchemeLocal, nil
	case SchemeLDAP:
		return SchemeLDAP, nil
	case SchemeHTTPBasic, "basic":
		return SchemeHTTPBasic, nil
	}
	return "", fmt.Errorf("credential: unsupported scheme %q", value)
}

type Credentials struct {
	Login    string
	Domain   string
	Password string
}

// Validator reports whether credentials are valid. Wrong credentials are
// (false, nil); errors mean the check itself could not run.
type Validator interface {
	Validate(ctx context.Context, creds Credentials) (bool, error)
}

type Config struct {
	Scheme Scheme

	// Local
	Store  storage.UserStore
	Hasher crypto.Hasher

	// LDAP
	LDAPURL          string
	LDAPBindTemplate string
	LDAPDial         DialFunc

	// HTTP basic
	BasicURL    string
	BasicClient *http.Client
	Timeout     time.Duration
}

func New(config Config) (Validator, error) {
	switch config.Scheme {
	case "", SchemeLocal:
		if config.Store == nil {
			return nil, errors.New("credential: local scheme requires a user store")
		}
		hasher := config.Hasher
		if hasher == nil {
			hasher = crypto.NewPBKDF2Hasher(crypto.DefaultPBKDF2Options())
		}
		return &Local{Store: config.Store, Hasher: hasher}, nil
	case SchemeLDAP:
		if config.LDAPURL == "" {
			return nil, errors.New("credential: ldap scheme requires a url")
		}
		if !strings.Contains(config.LDAPBindTemplate, "%s") {
			return nil, errors.New("credential: ldap bind template must contain %s")
		}
		return &LDAP{URL: config.LDAPURL, BindTemplate: config.LDAPBindTemplate, Dial: config.LDAPDial}, nil
	case SchemeHTTPBasic:
		if config.BasicURL == "" {
			return nil, errors.New("credential: http_basic scheme requires a url")
		}
		return &HTTPBasic{URL: config.BasicURL, Client: config.BasicClient, Timeout: config.Timeout}, nil
	}
	return nil, fmt.Errorf("credential: unsupported scheme %q", config.Scheme)
}

// Local verifies against the PBKDF2 hash stored on the user record.
type Local struct {
	Store  storage.UserStore
	Hasher crypto.Hasher
}

func (l *Local) Validate(ctx context.Context, creds Credentials) (bool, error) {
	if creds.Login == "" || creds.Password == "" {
		return false, nil
	}

	user, err := l.Store.FindByLoginAndDomain(ctx, creds.Login, creds.Domain)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if user.PasswordHash == "" {
		return false, nil
	}

	ok, err := l.Hasher.Verify(creds.Password, user.PasswordHash)
	if errors.Is(err, crypto.ErrInvalidHash) {
		return false, nil
	}
	return ok, err
}
