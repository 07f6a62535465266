package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentra.dev/internal/identity"
	"sentra.dev/internal/obs"
)

// CredentialValidator checks username/password pairs against the identity
// store and shapes the result into a grant-annotated identity.
type CredentialValidator struct {
	users        identity.Store
	touchTimeout time.Duration
}

// NewCredentialValidator wraps the identity store. touchTimeout bounds the
// background last-login update.
func NewCredentialValidator(users identity.Store, touchTimeout time.Duration) *CredentialValidator {
	if touchTimeout <= 0 {
		touchTimeout = 3 * time.Second
	}
	return &CredentialValidator{users: users, touchTimeout: touchTimeout}
}

// Validate checks the credentials and, when appCode is non-empty, that the
// user holds an effective grant for that application. An unknown user, an
// inactive user and a wrong password all return ErrInvalidCredentials; a
// correct password without the requested grant returns ErrAccessDenied.
func (v *CredentialValidator) Validate(ctx context.Context, username, password, appCode string) (Identity, error) {
	if username == "" || password == "" {
		return Identity{}, ErrInvalidCredentials
	}

	rec, err := v.users.FindActiveByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, fmt.Errorf("identity lookup: %w", err)
	}

	if err := VerifyPassword(rec.User.PasswordHash, password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	id, err := identityFrom(rec, appCode)
	if err != nil {
		return Identity{}, err
	}

	// Best-effort: a failure to persist last-login must not fail the login.
	go v.touchLastLogin(ctx, rec.User.ID)

	return id, nil
}

func (v *CredentialValidator) touchLastLogin(ctx context.Context, userID int64) {
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.touchTimeout)
	defer cancel()
	if err := v.users.TouchLastLogin(touchCtx, userID); err != nil {
		obs.LogError("touch last login failed", err, map[string]any{"user_id": userID})
	}
}

// identityFrom strips the credential hash and keeps only effective grants,
// filtered to appCode when one is requested.
func identityFrom(rec *identity.UserWithGrants, appCode string) (Identity, error) {
	grants := rec.EffectiveGrants()

	var apps []AppGrant
	for _, g := range grants {
		if appCode != "" && g.Application.Code != appCode {
			continue
		}
		apps = append(apps, AppGrant{
			Code:        g.Application.Code,
			Name:        g.Application.Name,
			Role:        g.Role,
			Permissions: g.Permissions,
		})
	}
	if appCode != "" && len(apps) == 0 {
		// Correct password does not imply access to every application.
		return Identity{}, ErrAccessDenied
	}

	return Identity{
		UserID:       rec.User.ID,
		Username:     rec.User.Username,
		Email:        rec.User.Email,
		Applications: apps,
	}, nil
}
