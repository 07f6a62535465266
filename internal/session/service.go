package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentra.dev/internal/identity"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/revoke"
)

// Service orchestrates login, refresh rotation, logout and profile lookup.
// No server-side session object is persisted: session state lives entirely
// in the issued tokens plus the revocation store.
type Service struct {
	validator   *CredentialValidator
	users       identity.Store
	revocations revoke.Store
	tokens      *TokenIssuer
	guard       *Guard

	now         func() time.Time
	callTimeout time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCallTimeout bounds every downstream round trip.
func WithCallTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewService wires the session components. All dependencies are injected;
// there are no ambient globals.
func NewService(users identity.Store, revocations revoke.Store, tokens *TokenIssuer, opts ...ServiceOption) *Service {
	s := &Service{
		users:       users,
		revocations: revocations,
		tokens:      tokens,
		guard:       NewGuard(tokens, revocations),
		now:         time.Now,
		callTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = NewCredentialValidator(users, s.callTimeout)
	return s
}

// Guard exposes the token verifier with revocation checking, used by the
// request authorization layer.
func (s *Service) Guard() *Guard {
	return s.guard
}

// Login validates the credentials and issues a fresh token pair. Every
// failure, credential or infrastructure alike, collapses to
// ErrAuthenticationFailed; the sub-reason is logged, never leaked.
func (s *Service) Login(ctx context.Context, username, password, appCode string) (TokenPair, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	id, err := s.validator.Validate(ctx, username, password, appCode)
	if err != nil {
		obs.ObserveLogin(loginOutcome(err))
		obs.LogError("login denied", err, map[string]any{"username": username, "app_code": appCode})
		return TokenPair{}, ErrAuthenticationFailed
	}

	pair, err := s.tokens.Issue(id)
	if err != nil {
		obs.ObserveLogin("error")
		obs.LogError("token issuance failed", err, map[string]any{"user_id": id.UserID})
		return TokenPair{}, ErrAuthenticationFailed
	}

	obs.ObserveLogin("success")
	obs.LogEvent(map[string]any{
		"msg":      "login succeeded",
		"user_id":  id.UserID,
		"app_code": appCode,
	})
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is atomically revoked
// and a brand-new pair is issued against the subject's current identity, so
// grant changes since the original login are reflected. A refresh token is
// single-use; of two concurrent refreshes exactly one wins.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		obs.LogError("refresh token rejected", err, nil)
		return TokenPair{}, ErrAuthenticationFailed
	}

	// Atomic check-and-set: claiming the token and revoking it are one
	// operation, closing the rotation race between concurrent refreshes.
	won, err := s.revocations.RevokeIfAbsent(ctx, refreshToken, s.remaining(claims))
	if err != nil {
		obs.ObserveRevocation("error")
		obs.LogError("refresh rotation failed", err, nil)
		return TokenPair{}, ErrAuthenticationFailed
	}
	if !won {
		obs.LogError("refresh token already rotated or revoked", ErrTokenRevoked, nil)
		return TokenPair{}, ErrAuthenticationFailed
	}
	obs.ObserveRevocation("ok")

	userID, err := claims.UserID()
	if err != nil {
		return TokenPair{}, ErrAuthenticationFailed
	}

	// Re-resolve by id, not by re-running password validation.
	id, err := s.resolve(ctx, userID)
	if err != nil {
		obs.LogError("refresh identity lookup failed", err, map[string]any{"user_id": userID})
		return TokenPair{}, ErrAuthenticationFailed
	}

	pair, err := s.tokens.Issue(id)
	if err != nil {
		obs.LogError("token issuance failed", err, map[string]any{"user_id": userID})
		return TokenPair{}, ErrAuthenticationFailed
	}
	return pair, nil
}

// Logout revokes the access token and, when supplied, the refresh token.
// Idempotent: revoking an already-revoked or already-expired token is not an
// error. Revocation write failures are logged and swallowed, favoring
// availability of logout over strict revocation durability.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	s.revokeBestEffort(ctx, accessToken, s.tokens.VerifyAccess)
	if refreshToken != "" {
		s.revokeBestEffort(ctx, refreshToken, s.tokens.VerifyRefresh)
	}
	return nil
}

func (s *Service) revokeBestEffort(ctx context.Context, token string, check func(string) (*Claims, error)) {
	claims, err := check(token)
	if err != nil {
		// Expired or malformed tokens are already unusable; no entry is
		// written, and that is not an error.
		obs.ObserveRevocation("skipped")
		return
	}
	if err := s.revocations.Revoke(ctx, token, s.remaining(claims)); err != nil {
		obs.ObserveRevocation("error")
		obs.LogError("revocation write failed", err, nil)
		return
	}
	obs.ObserveRevocation("ok")
}

// Profile re-derives the subject's current effective grant set live from the
// identity store. This is the one path where stale in-token grants are
// corrected.
func (s *Service) Profile(ctx context.Context, userID int64) (Identity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	id, err := s.resolve(ctx, userID)
	if err != nil {
		obs.LogError("profile lookup failed", err, map[string]any{"user_id": userID})
		return Identity{}, ErrAuthenticationFailed
	}
	return id, nil
}

// Authenticate verifies an access token against signature, expiry and the
// revocation store. Used by the request authorization layer; returns the
// internally distinguishable token errors.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Claims, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.guard.VerifyAccess(ctx, accessToken)
}

func (s *Service) resolve(ctx context.Context, userID int64) (Identity, error) {
	rec, err := s.users.FindActiveByID(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, fmt.Errorf("identity lookup: %w", err)
	}
	return identityFrom(rec, "")
}

// remaining computes the revocation TTL: exactly the token's remaining
// lifetime, so the marker never outlives the token.
func (s *Service) remaining(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(s.now())
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccessDenied):
		return "denied"
	default:
		return "error"
	}
}
