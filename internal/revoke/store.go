package revoke

import (
	"context"
	"time"
)

// Store marks tokens unusable before their natural expiry. Entries carry a
// TTL equal to the token's remaining lifetime, so a marker never outlives
// the token it marks.
type Store interface {
	// Revoke writes a marker for the literal token string. Idempotent.
	Revoke(ctx context.Context, token string, ttl time.Duration) error

	// RevokeIfAbsent atomically writes the marker unless one already exists.
	// Returns true when this call created the marker. Used for refresh
	// rotation, where exactly one concurrent caller may win.
	RevokeIfAbsent(ctx context.Context, token string, ttl time.Duration) (bool, error)

	// IsRevoked reports whether a marker exists for the token. A store error
	// is returned as-is: callers must not treat an unreachable store as
	// "not revoked".
	IsRevoked(ctx context.Context, token string) (bool, error)

	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error

	Close() error
}
