package identity

import "time"

// StatusActive is the lifecycle status shared by users, applications and
// grants. Anything else counts as inactive.
const StatusActive = "ACTIVE"

// User is an account in the central identity store. The gateway reads it and
// updates only the last-login timestamp.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Status       string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Application is a downstream target system. Immutable from the gateway's
// perspective.
type Application struct {
	ID     int64
	Code   string
	Name   string
	Status string
}

// Grant is a user's membership in an application, with its own status. A
// grant is effective only when both the grant and the application are active.
type Grant struct {
	Application Application
	Role        string
	Permissions []string
	Status      string
}

// Effective reports whether the grant currently conveys access.
func (g Grant) Effective() bool {
	return g.Status == StatusActive && g.Application.Status == StatusActive
}

// UserWithGrants is the shape returned by the store: the user row plus its
// application memberships.
type UserWithGrants struct {
	User   User
	Grants []Grant
}

// EffectiveGrants filters on both the grant status and the application
// status. Callers must never trust either alone.
func (u UserWithGrants) EffectiveGrants() []Grant {
	var out []Grant
	for _, g := range u.Grants {
		if g.Effective() {
			out = append(out, g)
		}
	}
	return out
}
