package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthorian/rhombus/pkg/crypto"
	"github.com/porthorian/rhombus/pkg/storage"
	"github.com/porthorian/rhombus/pkg/storage/memory"
)

func TestParseScheme(t *testing.T) {
	tests := []struct {
		in   string
		want Scheme
	}{
		{"", SchemeLocal},
		{"LOCAL", SchemeLocal},
		{"ldap", SchemeLDAP},
		{"basic", SchemeHTTPBasic},
		{"http_basic", SchemeHTTPBasic},
	}
	for _, tt := range tests {
		got, err := ParseScheme(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseScheme("kerberos")
	assert.Error(t, err)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{Scheme: SchemeLocal})
	assert.Error(t, err)

	_, err = New(Config{Scheme: SchemeLDAP, LDAPURL: "ldap://dir"})
	assert.Error(t, err)

	_, err = New(Config{Scheme: SchemeHTTPBasic})
	assert.Error(t, err)

	_, err = New(Config{Scheme: Scheme("kerberos")})
	assert.Error(t, err)
}

func TestLocalValidator(t *testing.T) {
	store := memory.NewStore()
	store.AddGroup("guests")
	hasher := crypto.NewPBKDF2Hasher(crypto.PBKDF2Options{Iterations: 1000})
	hash, err := hasher.Hash("s3cret")
	require.NoError(t, err)

	_, err = store.CreateUser(context.Background(), storage.CreateUserInput{
		Login: "alice", Domain: "labs", PrimaryGroup: "guests", PasswordHash: hash,
	})
	require.NoError(t, err)
	_, err = store.CreateUser(context.Background(), storage.CreateUserInput{
		Login: "nopass", Domain: "labs", PrimaryGroup: "guests",
	})
	require.NoError(t, err)

	validator, err := New(Config{Scheme: SchemeLocal, Store: store, Hasher: hasher})
	require.NoError(t, err)

	ok, err := validator.Validate(context.Background(), Credentials{Login: "alice", Domain: "labs", Password: "s3cret"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = validator.Validate(context.Background(), Credentials{Login: "alice", Domain: "labs", Password: "wrong"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = validator.Validate(context.Background(), Credentials{Login: "ghost", Domain: "labs", Password: "x"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = validator.Validate(context.Background(), Credentials{Login: "nopass", Domain: "labs", Password: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeConn struct {
	dn       string
	password string
	bindErr  error
	closed   bool
}

func (c *fakeConn) Bind(username string, password string) error {
	c.dn = username
	c.password = password
	return c.bindErr
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestLDAPValidator(t *testing.T) {
	conn := &fakeConn{}
	validator, err := New(Config{
		Scheme:           SchemeLDAP,
		LDAPURL:          "ldap://dir.example",
		LDAPBindTemplate: "uid=%s,ou=people,dc=example",
		LDAPDial: func(url string) (Conn, error) {
			assert.Equal(t, "ldap://dir.example", url)
			return conn, nil
		},
	})
	require.NoError(t, err)

	ok, err := validator.Validate(context.Background(), Credentials{Login: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "uid=alice,ou=people,dc=example", conn.dn)
	assert.True(t, conn.closed)

	conn.bindErr = ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))
	ok, err = validator.Validate(context.Background(), Credentials{Login: "alice", Password: "nope"})
	require.NoError(t, err)
	assert.False(t, ok)

	conn.bindErr = ldap.NewError(ldap.LDAPResultUnavailable, errors.New("down"))
	_, err = validator.Validate(context.Background(), Credentials{Login: "alice", Password: "pw"})
	assert.Error(t, err)
}

func TestLDAPRejectsEmptyPassword(t *testing.T) {
	dialed := false
	validator := &LDAP{
		URL:          "ldap://dir.example",
		BindTemplate: "uid=%s",
		Dial: func(string) (Conn, error) {
			dialed = true
			return &fakeConn{}, nil
		},
	}

	ok, err := validator.Validate(context.Background(), Credentials{Login: "alice"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, dialed)
}

func TestHTTPBasicValidator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		switch {
		case !ok:
			w.WriteHeader(http.StatusBadRequest)
		case user == "alice" && pass == "pw":
			w.WriteHeader(http.StatusNoContent)
		case user == "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	validator, err := New(Config{Scheme: SchemeHTTPBasic, BasicURL: server.URL})
	require.NoError(t, err)

	ok, err := validator.Validate(context.Background(), Credentials{Login: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = validator.Validate(context.Background(), Credentials{Login: "alice", Password: "bad"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = validator.Validate(context.Background(), Credentials{Login: "broken", Password: "pw"})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	validator := &HTTPBasic{URL: "http://auth"}

	assert.ErrorIs(t, registry.Register(SchemeHTTPBasic, nil), ErrNilValidator)
	assert.ErrorIs(t, registry.Register("", validator), ErrEmptyScheme)
	require.NoError(t, registry.Register(SchemeHTTPBasic, validator))
	assert.ErrorIs(t, registry.Register(SchemeHTTPBasic, validator), ErrDuplicateScheme)

	got, ok := registry.Validator(SchemeHTTPBasic)
	require.True(t, ok)
	assert.Same(t, validator, got)

	_, ok = registry.Validator(SchemeLDAP)
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Len())

	var empty *Registry
	_, ok = empty.Validator(SchemeLocal)
	assert.False(t, ok)
}
