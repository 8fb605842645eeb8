package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Encoded hashes look like pbkdf2-sha256$<iterations>$<salt>$<key>.
const hashPrefix = "pbkdf2-sha256"

type PBKDF2Options struct {
	Iterations int
	SaltBytes  int
	KeyBytes   int
}

type PBKDF2Hasher struct {
	options PBKDF2Options
}

var _ Hasher = (*PBKDF2Hasher)(nil)

func DefaultPBKDF2Options() PBKDF2Options {
	return PBKDF2Options{
		Iterations: 120000,
		SaltBytes:  16,
		KeyBytes:   32,
	}
}

func NewPBKDF2Hasher(options PBKDF2Options) *PBKDF2Hasher {
	defaults := DefaultPBKDF2Options()
	if options.Iterations <= 0 {
		options.Iterations = defaults.Iterations
	}
	if options.SaltBytes <= 0 {
		options.SaltBytes = defaults.SaltBytes
	}
	if options.KeyBytes <= 0 {
		options.KeyBytes = defaults.KeyBytes
	}
	return &PBKDF2Hasher{options: options}
}

func (h *PBKDF2Hasher) Hash(password string) (string, error) {
	if h == nil || password == "" {
		return "", ErrInvalidConfig
	}

	salt := make([]byte, h.options.SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: read salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, h.options.Iterations, h.options.KeyBytes, sha256.New)
	return strings.Join([]string{
		hashPrefix,
		strconv.Itoa(h.options.Iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

func (h *PBKDF2Hasher) Verify(password string, encodedHash string) (bool, error) {
	if h == nil || password == "" {
		return false, ErrInvalidConfig
	}

	iterations, salt, expected, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	candidate := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(candidate, expected) == 1, nil
}

func decodeHash(encoded string) (int, []byte, []byte, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 4 || fields[0] != hashPrefix {
		return 0, nil, nil, ErrInvalidHash
	}

	iterations, err := strconv.Atoi(fields[1])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil || len(salt) == 0 {
		return 0, nil, nil, ErrInvalidHash
	}

	key, err := base64.RawStdEncoding.DecodeString(fields[3])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, ErrInvalidHash
	}

	return iterations, salt, key, nil
}
