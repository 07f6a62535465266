package identity

import (
	"context"
	"errors"
)

// ErrNotFound indicates no active user matched the lookup.
var ErrNotFound = errors.New("identity: not found")

// Store is the narrow adapter the gateway needs from the identity store. It
// is treated as an opaque, possibly slow, fallible dependency; every call
// should run under a bounded context.
type Store interface {
	// FindActiveByUsername returns the active user with its memberships, or
	// ErrNotFound. Inactive users are indistinguishable from absent ones.
	FindActiveByUsername(ctx context.Context, username string) (*UserWithGrants, error)

	// FindActiveByID is FindActiveByUsername keyed by numeric id.
	FindActiveByID(ctx context.Context, id int64) (*UserWithGrants, error)

	// TouchLastLogin records a successful login. Best-effort: callers log
	// and swallow failures.
	TouchLastLogin(ctx context.Context, id int64) error
}
