package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	rerrors "github.com/porthorian/rhombus/pkg/errors"
)

const (
	Delimiter  = "|"
	NonceBytes = 16
)

// Token identifies an authenticated session. Its string form is
// login|domain|issuedAt|nonce with issuedAt in Unix seconds.
type Token struct {
	Login    string
	Domain   string
	IssuedAt time.Time
	Nonce    string
}

type Codec struct {
	Now    func() time.Time
	Random func(b []byte) (int, error)
}

var defaultCodec = Codec{}

func Issue(login string, domain string) (Token, error) {
	return defaultCodec.Issue(login, domain)
}

func (c Codec) Issue(login string, domain string) (Token, error) {
	if login == "" {
		return Token{}, fmt.Errorf("token: login is required")
	}
	if strings.Contains(login, Delimiter) || strings.Contains(domain, Delimiter) {
		return Token{}, fmt.Errorf("token: login and domain must not contain %q", Delimiter)
	}

	read := c.Random
	if read == nil {
		read = rand.Read
	}
	nonce := make([]byte, NonceBytes)
	if _, err := read(nonce); err != nil {
		return Token{}, fmt.Errorf("token: generate nonce: %w", err)
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	return Token{
		Login:    login,
		Domain:   domain,
		IssuedAt: now().UTC().Truncate(time.Second),
		Nonce:    hex.EncodeToString(nonce),
	}, nil
}

func Format(t Token) string {
	return t.String()
}

func (t Token) String() string {
	return strings.Join([]string{
		t.Login,
		t.Domain,
		strconv.FormatInt(t.IssuedAt.Unix(), 10),
		t.Nonce,
	}, Delimiter)
}

func Parse(raw string) (Token, error) {
	parts := strings.Split(raw, Delimiter)
	if len(parts) != 4 {
		return Token{}, &rerrors.MalformedTokenError{Reason: fmt.Sprintf("expected 4 fields, got %d", len(parts))}
	}

	issued, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Token{}, &rerrors.MalformedTokenError{Reason: "issue time is not an integer"}
	}
	if parts[0] == "" {
		return Token{}, &rerrors.MalformedTokenError{Reason: "empty login"}
	}
	if parts[3] == "" {
		return Token{}, &rerrors.MalformedTokenError{Reason: "empty nonce"}
	}
	if len(parts[3]) != NonceBytes*2 {
		return Token{}, &rerrors.MalformedTokenError{Reason: fmt.Sprintf("nonce must be %d hex characters", NonceBytes*2)}
	}
	if _, err := hex.DecodeString(parts[3]); err != nil {
		return Token{}, &rerrors.MalformedTokenError{Reason: "nonce is not hex"}
	}

	return Token{
		Login:    parts[0],
		Domain:   parts[1],
		IssuedAt: time.Unix(issued, 0).UTC(),
		Nonce:    parts[3],
	}, nil
}

// Redact returns a form of raw that is safe to log.
func Redact(raw string) string {
	parts := strings.Split(raw, Delimiter)
	if len(parts) != 4 {
		return "<malformed>"
	}
	return parts[0] + Delimiter + parts[1] + Delimiter + "***"
}
