package session

import "errors"

// Failure taxonomy. The detailed sub-reason is logged; callers outside the
// trust boundary only ever see the coarse generic errors.
var (
	// ErrInvalidCredentials covers both an unknown/inactive user and a wrong
	// password. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("session: invalid credentials")

	// ErrAccessDenied means the password was correct but the requested
	// application is not among the user's effective grants.
	ErrAccessDenied = errors.New("session: access denied")

	// ErrAuthenticationFailed is the generic user-facing collapse of every
	// login/refresh failure, credential or infrastructure alike.
	ErrAuthenticationFailed = errors.New("session: authentication failed")

	// Token verification failures, distinguishable internally for logging
	// and alerting.
	ErrTokenMalformed    = errors.New("session: token malformed")
	ErrTokenExpired      = errors.New("session: token expired")
	ErrTokenBadSignature = errors.New("session: token signature mismatch")
	ErrTokenRevoked      = errors.New("session: token revoked")
)
