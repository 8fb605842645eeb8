package cache

import (
	"context"
	"errors"
	"time"

	"github.com/porthorian/rhombus/pkg/identity"
)

var (
	ErrEmptyKey   = errors.New("identity cache: key is required")
	ErrInvalidTTL = errors.New("identity cache: ttl must be greater than zero")
)

// IdentityCache maps hashed session keys to identity snapshots.
//
// Get treats an entry as absent once its set-time ttl has passed, or when
// maxAge is positive and the entry was written more than maxAge ago.
// Implementations must be safe for concurrent use.
type IdentityCache interface {
	Get(ctx context.Context, key string, maxAge time.Duration) (identity.Snapshot, bool, error)
	Set(ctx context.Context, key string, snapshot identity.Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func ValidateSet(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Expired reports whether an entry written at storedAt with the given ttl
// is no longer visible at now. Both bounds are inclusive.
func Expired(now time.Time, storedAt time.Time, ttl time.Duration, maxAge time.Duration) bool {
	age := now.Sub(storedAt)
	if ttl > 0 && age > ttl {
		return true
	}
	return maxAge > 0 && age > maxAge
}
