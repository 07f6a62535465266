package session

import (
	"context"
	"errors"
	"fmt"

	"sentra.dev/internal/obs"
	"sentra.dev/internal/revoke"
)

// Guard verifies a token and then checks the revocation store. The two steps
// are deliberate: the crypto check is stateless, the revocation check depends
// on mutable out-of-band state. An unreachable revocation store is a
// verification error, never a bypass.
type Guard struct {
	tokens      *TokenIssuer
	revocations revoke.Store
}

func NewGuard(tokens *TokenIssuer, revocations revoke.Store) *Guard {
	return &Guard{tokens: tokens, revocations: revocations}
}

// VerifyAccess validates an access token's signature/expiry and its
// revocation status.
func (g *Guard) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return g.verify(ctx, token, g.tokens.VerifyAccess)
}

// VerifyRefresh validates a refresh token's signature/expiry and its
// revocation status.
func (g *Guard) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	return g.verify(ctx, token, g.tokens.VerifyRefresh)
}

func (g *Guard) verify(ctx context.Context, token string, check func(string) (*Claims, error)) (*Claims, error) {
	claims, err := check(token)
	if err != nil {
		obs.ObserveTokenVerification(verificationResult(err))
		return nil, err
	}

	revoked, err := g.revocations.IsRevoked(ctx, token)
	if err != nil {
		// Fail closed, and loudly: an unreachable revocation store must be
		// alertable, not silently treated as "not revoked".
		obs.ObserveTokenVerification("error")
		obs.LogError("revocation check failed", err, nil)
		return nil, fmt.Errorf("revocation check: %w", err)
	}
	if revoked {
		obs.ObserveTokenVerification("revoked")
		return nil, ErrTokenRevoked
	}

	obs.ObserveTokenVerification("ok")
	return claims, nil
}

func verificationResult(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	default:
		return "error"
	}
}
