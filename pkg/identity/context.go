package identity

import "context"

type snapshotContextKey struct{}

// WithSnapshot stores the resolved identity on the request context.
func WithSnapshot(ctx context.Context, snapshot Snapshot) context.Context {
	return context.WithValue(ctx, snapshotContextKey{}, snapshot.Clone())
}

// Without masks any identity attached by an outer layer.
func Without(ctx context.Context) context.Context {
	return context.WithValue(ctx, snapshotContextKey{}, Snapshot{})
}

// FromContext returns the identity attached to ctx, if any.
func FromContext(ctx context.Context) (Snapshot, bool) {
	if ctx == nil {
		return Snapshot{}, false
	}
	snapshot, ok := ctx.Value(snapshotContextKey{}).(Snapshot)
	if !ok || snapshot.IsZero() {
		return Snapshot{}, false
	}
	return snapshot.Clone(), true
}
