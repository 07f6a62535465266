package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentra.dev/internal/identity"
)

// memIdentities is an in-memory identity store double.
type memIdentities struct {
	mu      sync.Mutex
	byName  map[string]*identity.UserWithGrants
	byID    map[int64]*identity.UserWithGrants
	touched chan int64

	findErr  error
	touchErr error
}

func newMemIdentities() *memIdentities {
	return &memIdentities{
		byName:  make(map[string]*identity.UserWithGrants),
		byID:    make(map[int64]*identity.UserWithGrants),
		touched: make(chan int64, 8),
	}
}

func (m *memIdentities) add(u *identity.UserWithGrants) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[u.User.Username] = u
	m.byID[u.User.ID] = u
}

func (m *memIdentities) FindActiveByUsername(_ context.Context, username string) (*identity.UserWithGrants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.byName[username]
	if !ok || u.User.Status != identity.StatusActive {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

func (m *memIdentities) FindActiveByID(_ context.Context, id int64) (*identity.UserWithGrants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.byID[id]
	if !ok || u.User.Status != identity.StatusActive {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

func (m *memIdentities) TouchLastLogin(_ context.Context, id int64) error {
	m.mu.Lock()
	err := m.touchErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case m.touched <- id:
	default:
	}
	return nil
}

// memRevocations is an in-memory revocation store double with SETNX
// semantics and clock-driven expiry.
type memRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time

	readErr  error
	writeErr error
}

func newMemRevocations(now func() time.Time) *memRevocations {
	return &memRevocations{entries: make(map[string]time.Time), now: now}
}

func (m *memRevocations) Revoke(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if ttl <= 0 {
		return nil
	}
	m.entries[token] = m.now().Add(ttl)
	return nil
}

func (m *memRevocations) RevokeIfAbsent(_ context.Context, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return false, m.writeErr
	}
	if ttl <= 0 {
		return false, nil
	}
	if exp, ok := m.entries[token]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.entries[token] = m.now().Add(ttl)
	return true, nil
}

func (m *memRevocations) IsRevoked(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return false, m.readErr
	}
	exp, ok := m.entries[token]
	return ok && m.now().Before(exp), nil
}

func (m *memRevocations) Ping(context.Context) error { return nil }
func (m *memRevocations) Close() error               { return nil }

// aliceFixture builds the canonical test user: active, password "correct",
// an effective SOFIA grant and a revoked WMS grant.
func aliceFixture(t *testing.T) *identity.UserWithGrants {
	t.Helper()
	hash, err := HashPassword("correct")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return &identity.UserWithGrants{
		User: identity.User{
			ID:           42,
			Username:     "alice",
			Email:        "alice@example.org",
			PasswordHash: hash,
			Status:       identity.StatusActive,
		},
		Grants: []identity.Grant{
			{
				Application: identity.Application{ID: 1, Code: "SOFIA", Name: "Sofia Portal", Status: identity.StatusActive},
				Role:        "operator",
				Permissions: []string{"read"},
				Status:      identity.StatusActive,
			},
			{
				Application: identity.Application{ID: 2, Code: "WMS", Name: "Warehouse", Status: identity.StatusActive},
				Role:        "clerk",
				Status:      "REVOKED",
			},
		},
	}
}

type fixture struct {
	svc         *Service
	users       *memIdentities
	revocations *memRevocations
	clock       *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	users := newMemIdentities()
	users.add(aliceFixture(t))
	revocations := newMemRevocations(clock.Now)

	issuer := newTestIssuer(t, clock, WithAccessTTL(15*time.Minute), WithRefreshTTL(7*24*time.Hour))
	svc := NewService(users, revocations, issuer, WithClock(clock.Now))
	return &fixture{svc: svc, users: users, revocations: revocations, clock: clock}
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := f.svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	id, err := claims.UserID()
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	if id != 42 {
		t.Fatalf("unexpected subject: %d", id)
	}
	// Only the effective grant appears in the snapshot.
	if len(claims.Applications) != 1 || claims.Applications[0].Code != "SOFIA" {
		t.Fatalf("unexpected grant snapshot: %+v", claims.Applications)
	}

	select {
	case uid := <-f.users.touched:
		if uid != 42 {
			t.Fatalf("touched wrong user: %d", uid)
		}
	case <-time.After(time.Second):
		t.Fatal("expected last-login touch")
	}
}

func TestLoginAppScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Revoked grant: correct password is not enough.
	if _, err := f.svc.Login(ctx, "alice", "correct", "WMS"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failed for WMS, got %v", err)
	}

	pair, err := f.svc.Login(ctx, "alice", "correct", "SOFIA")
	if err != nil {
		t.Fatalf("Login SOFIA: %v", err)
	}
	claims, err := f.svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(claims.Applications) != 1 || claims.Applications[0].Code != "SOFIA" {
		t.Fatalf("expected token scoped to SOFIA, got %+v", claims.Applications)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, wrongPassword := f.svc.Login(ctx, "alice", "wrong", "")
	_, unknownUser := f.svc.Login(ctx, "ghost", "anything", "")

	if !errors.Is(wrongPassword, ErrAuthenticationFailed) || !errors.Is(unknownUser, ErrAuthenticationFailed) {
		t.Fatalf("expected generic failures, got %v / %v", wrongPassword, unknownUser)
	}
	// No user-existence oracle: identical error shape and message.
	if wrongPassword.Error() != unknownUser.Error() {
		t.Fatalf("error messages differ: %q vs %q", wrongPassword, unknownUser)
	}
}

func TestLoginInfrastructureFailureCollapses(t *testing.T) {
	f := newFixture(t)
	f.users.findErr = errors.New("connection refused")

	if _, err := f.svc.Login(context.Background(), "alice", "correct", ""); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failed, got %v", err)
	}
}

func TestTouchFailureDoesNotFailLogin(t *testing.T) {
	f := newFixture(t)
	f.users.touchErr = errors.New("write timeout")

	if _, err := f.svc.Login(context.Background(), "alice", "correct", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked after logout, got %v", err)
	}

	// Second logout with the same tokens is not an error.
	if err := f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestLogoutSwallowsWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.revocations.writeErr = errors.New("redis down")
	if err := f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout should swallow write failures, got %v", err)
	}
}

func TestLogoutExpiredTokenWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	if err := f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(f.revocations.entries) != 0 {
		t.Fatalf("expected no markers for expired tokens, got %d", len(f.revocations.entries))
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// The presented refresh token is single-use.
	if _, err := f.svc.Guard().VerifyRefresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected old refresh token revoked, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected re-refresh of old token to fail, got %v", err)
	}

	// The new refresh token works exactly once more.
	if _, err := f.svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Refresh of new token: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected second use of new token to fail, got %v", err)
	}
}

func TestRefreshReflectsGrantChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Grant WMS after the original login.
	updated := aliceFixture(t)
	updated.Grants[1].Status = identity.StatusActive
	f.users.add(updated)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := f.svc.Authenticate(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(claims.Applications) != 2 {
		t.Fatalf("expected refreshed token to carry current grants, got %+v", claims.Applications)
	}
}

func TestRefreshExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failed, got %v", err)
	}
	if len(f.revocations.entries) != 0 {
		t.Fatalf("expected no marker for an expired token")
	}
}

func TestRevocationCheckFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", "correct", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.revocations.readErr = errors.New("redis down")
	if _, err := f.svc.Authenticate(ctx, pair.AccessToken); err == nil {
		t.Fatal("expected error when the revocation store is unreachable")
	}
}

func TestProfileRederivesGrantsLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.Profile(ctx, 42)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if len(id.Applications) != 1 || id.Applications[0].Code != "SOFIA" {
		t.Fatalf("unexpected applications: %+v", id.Applications)
	}

	updated := aliceFixture(t)
	updated.Grants[1].Status = identity.StatusActive
	f.users.add(updated)

	id, err = f.svc.Profile(ctx, 42)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if len(id.Applications) != 2 {
		t.Fatalf("expected live grant set, got %+v", id.Applications)
	}
}

func TestProfileUnknownUser(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Profile(context.Background(), 999); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failed, got %v", err)
	}
}
