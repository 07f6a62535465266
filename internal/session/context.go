package session

import "context"

type claimsContextKey struct{}
type tokenContextKey struct{}

// ContextWithClaims attaches the verified claims to the request context for
// downstream handlers.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts previously attached claims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
