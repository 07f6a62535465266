package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"sentra.dev/internal/obs"
	"sentra.dev/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// accessTier classifies a route for the per-request authorization decision.
type accessTier int

const (
	// tierExternal requires a verified, non-revoked bearer token. It is the
	// default for any route not explicitly marked otherwise.
	tierExternal accessTier = iota

	// tierPublic admits unconditionally.
	tierPublic

	// tierInternal is for trusted service-to-service calls and requires the
	// configured shared-secret header. With no secret configured the tier is
	// closed, not open.
	tierInternal
)

// withAccess is the authorization gate evaluated once per request, before
// any handler. It never mutates persistent state.
func (a *API) withAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		switch a.tierFor(r.URL.Path) {
		case tierPublic:
			next.ServeHTTP(w, r)
			return

		case tierInternal:
			if !a.internalTrusted(r) {
				writeError(w, r, http.StatusForbidden, "internal access denied")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "access token required")
			return
		}

		claims, err := a.sessions.Authenticate(r.Context(), token)
		if err != nil {
			// The sub-reason (malformed, expired, bad signature, revoked,
			// store unreachable) is logged; the caller sees one message.
			obs.LogError("access token rejected", err, map[string]any{"path": r.URL.Path})
			writeError(w, r, http.StatusUnauthorized, "invalid access token")
			return
		}

		ctx := session.ContextWithClaims(r.Context(), claims)
		ctx = session.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) tierFor(path string) accessTier {
	if tier, ok := a.tiers[path]; ok {
		return tier
	}
	return tierExternal
}

// internalTrusted checks the shared-secret header for service-to-service
// HTTP calls. Requests without a matching header are denied; there is no
// permissive fallback.
func (a *API) internalTrusted(r *http.Request) bool {
	secret := a.opts.InternalTrustSecret
	if secret == "" {
		return false
	}
	got := r.Header.Get(a.opts.InternalTrustHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
