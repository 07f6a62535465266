package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClaimsVersion is the current claim-shape version. Decoding rejects tokens
// carrying any other version, so future shape changes stay additive and
// verifiable instead of duck-typed.
const ClaimsVersion = 1

const defaultIssuer = "sentra"

// AppGrant is one effective application membership embedded in a token.
type AppGrant struct {
	Code        string   `json:"code"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Identity is a validated user stripped of credentials, annotated with the
// (possibly app-filtered) effective grant list.
type Identity struct {
	UserID       int64
	Username     string
	Email        string
	Applications []AppGrant
}

// Claims is the signed claim set shared by access and refresh tokens. The
// application list is a point-in-time snapshot taken at issuance; it is not
// re-derived on every authenticated request.
type Claims struct {
	Version      int        `json:"ver"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Applications []AppGrant `json:"applications"`
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse subject %q: %w", c.Subject, err)
	}
	return id, nil
}

// TokenPair is the result of issuance: a short-lived access token and a
// long-lived single-use refresh token, signed with distinct secrets.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenIssuer mints and verifies the gateway's HS256 token pairs. Access and
// refresh tokens share the claim shape but never a secret: compromise of one
// must not forge the other.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// IssuerOption configures TokenIssuer behavior.
type IssuerOption func(*TokenIssuer)

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) {
		if ttl > 0 {
			t.accessTTL = ttl
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) IssuerOption {
	return func(t *TokenIssuer) {
		if issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokenIssuer constructs an issuer. The two secrets must be non-empty and
// distinct.
func NewTokenIssuer(accessSecret, refreshSecret string, opts ...IssuerOption) (*TokenIssuer, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("session: both token secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("session: access and refresh secrets must differ")
	}
	t := &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     15 * time.Minute,
		refreshTTL:    7 * 24 * time.Hour,
		issuer:        defaultIssuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue mints an access/refresh pair from one payload shape.
func (t *TokenIssuer) Issue(id Identity) (TokenPair, error) {
	now := t.now().UTC()
	accessExp := now.Add(t.accessTTL)
	refreshExp := now.Add(t.refreshTTL)

	access, err := t.sign(id, now, accessExp, t.accessSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := t.sign(id, now, refreshExp, t.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (t *TokenIssuer) sign(id Identity, now, exp time.Time, secret []byte) (string, error) {
	claims := Claims{
		Version:      ClaimsVersion,
		Username:     id.Username,
		Email:        id.Email,
		Applications: id.Applications,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess validates an access token's signature and expiry.
func (t *TokenIssuer) VerifyAccess(token string) (*Claims, error) {
	return t.verify(token, t.accessSecret)
}

// VerifyRefresh validates a refresh token's signature and expiry.
func (t *TokenIssuer) VerifyRefresh(token string) (*Claims, error) {
	return t.verify(token, t.refreshSecret)
}

func (t *TokenIssuer) verify(token string, secret []byte) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenBadSignature
		}
		return secret, nil
	},
		jwt.WithTimeFunc(t.now),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenBadSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.Version != ClaimsVersion {
		return nil, ErrTokenMalformed
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
