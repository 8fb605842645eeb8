package crypto

import "errors"

var (
	ErrInvalidHash   = errors.New("password: invalid hash")
	ErrInvalidConfig = errors.New("password: invalid config")
	ErrWeakSecret    = errors.New("cache key: secret must be at least 16 bytes")
)

type Hasher interface {
	Hash(password string) (string, error)
	Verify(password string, encodedHash string) (bool, error)
}
