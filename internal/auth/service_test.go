package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *InMemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore()
	svc := NewService(store, []byte("test-secret"), nil, WithClock(clock.Now))
	return svc, store, clock
}

func mustCreate(t *testing.T, svc *Service, username, password string, role Role) Account {
	t.Helper()
	a, err := svc.CreateAccount(context.Background(), username, password, role, nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func TestLoginSuccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreate(t, svc, "Admin", "Sup3r-secret!", RoleSuperadmin)

	account, pair, err := svc.Login(context.Background(), "ADMIN", "Sup3r-secret!", "10.0.0.1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if account.Username != "admin" {
		t.Fatalf("username = %q, want lowercase admin", account.Username)
	}
	if account.LastLoginIP != "10.0.0.1" {
		t.Fatalf("last login ip = %q", account.LastLoginIP)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	claims, err := svc.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.Subject != account.ID || claims.Role != string(RoleSuperadmin) {
		t.Fatalf("claims = %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(pair.AccessExpiresAt) {
		t.Fatalf("expiry mismatch: %v vs %v", claims.ExpiresAt.Time, pair.AccessExpiresAt)
	}
}

func TestLoginUniformFailures(t *testing.T) {
	svc, store, _ := newTestService(t)
	inactive := mustCreate(t, svc, "ghost", "Sup3r-secret!", RoleViewer)
	store.accounts[inactive.ID].Active = false

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"unknown user", "nobody", "Sup3r-secret!"},
		{"wrong password", "ghost", "not-the-password"},
		{"inactive account", "ghost", "Sup3r-secret!"},
	}
	for _, tc := range cases {
		_, _, err := svc.Login(context.Background(), tc.username, tc.password, "1.2.3.4")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err = %v, want ErrInvalidCredentials", tc.name, err)
		}
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, _, clock := newTestService(t)
	mustCreate(t, svc, "admin", "Sup3r-secret!", RoleSuperadmin)
	ctx := context.Background()

	for i := 0; i < MaxLoginFailures; i++ {
		_, _, err := svc.Login(ctx, "admin", "wrong-password", "1.2.3.4")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v", i+1, err)
		}
	}

	// Even the correct password is rejected while locked.
	if _, _, err := svc.Login(ctx, "admin", "Sup3r-secret!", "1.2.3.4"); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked login err = %v, want ErrLocked", err)
	}

	// Locked attempts do not extend the window.
	clock.Advance(LockoutWindow - time.Minute)
	if _, _, err := svc.Login(ctx, "admin", "Sup3r-secret!", "1.2.3.4"); !errors.Is(err, ErrLocked) {
		t.Fatalf("still inside window, err = %v, want ErrLocked", err)
	}

	clock.Advance(2 * time.Minute)
	if _, _, err := svc.Login(ctx, "admin", "Sup3r-secret!", "1.2.3.4"); err != nil {
		t.Fatalf("login after window: %v", err)
	}

	// The successful login reset the counter.
	if _, _, err := svc.Login(ctx, "admin", "wrong-password", "1.2.3.4"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("post-reset failure err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "admin", "Sup3r-secret!", "1.2.3.4"); err != nil {
		t.Fatalf("one failure must not lock: %v", err)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	svc, _, clock := newTestService(t)
	mustCreate(t, svc, "admin", "Sup3r-secret!", RoleSuperadmin)

	_, pair, err := svc.Login(context.Background(), "admin", "Sup3r-secret!", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := svc.ParseAccessToken(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token err = %v, want ErrTokenExpired", err)
	}
	if _, err := svc.ParseAccessToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v, want ErrInvalidToken", err)
	}
	// A refresh token is not accepted where an access token is expected.
	if _, err := svc.ParseAccessToken(pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh-as-access err = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	svc, _, clock := newTestService(t)
	mustCreate(t, svc, "admin", "Sup3r-secret!", RoleSuperadmin)
	ctx := context.Background()

	_, pair, err := svc.Login(ctx, "admin", "Sup3r-secret!", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.Advance(time.Hour)
	_, next, err := svc.Refresh(ctx, pair.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	// The old token was revoked by the rotation.
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replayed refresh err = %v, want ErrInvalidToken", err)
	}

	clock.Advance(15 * 24 * time.Hour)
	if _, _, err := svc.Refresh(ctx, next.RefreshToken, ""); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired refresh err = %v, want ErrTokenExpired", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreate(t, svc, "admin", "Sup3r-secret!", RoleSuperadmin)
	ctx := context.Background()

	_, pair, err := svc.Login(ctx, "admin", "Sup3r-secret!", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := svc.Logout(ctx, pair.RefreshToken, ""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := svc.Logout(ctx, pair.RefreshToken, ""); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := svc.Logout(ctx, "garbage", ""); err != nil {
		t.Fatalf("logout with garbage token: %v", err)
	}
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh after logout err = %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	account := mustCreate(t, svc, "admin", "Sup3r-secret!", RoleSuperadmin)
	ctx := context.Background()

	_, pair, err := svc.Login(ctx, "admin", "Sup3r-secret!", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := svc.ChangePassword(ctx, account.ID, "wrong", "N3w-secret-pw!", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password err = %v", err)
	}
	if err := svc.ChangePassword(ctx, account.ID, "Sup3r-secret!", "short", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("weak password err = %v", err)
	}
	if err := svc.ChangePassword(ctx, account.ID, "Sup3r-secret!", "Sup3r-secret!", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("reused password err = %v", err)
	}
	if err := svc.ChangePassword(ctx, account.ID, "Sup3r-secret!", "N3w-secret-pw!", ""); err != nil {
		t.Fatalf("change password: %v", err)
	}

	// Outstanding refresh tokens die with the old password.
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh after password change err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "admin", "N3w-secret-pw!", ""); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestPasswordPolicy(t *testing.T) {
	cases := []struct {
		password string
		ok       bool
	}{
		{"Sup3r-secret!", true},
		{"short1A!", false},
		{"alllowercase1!", false},
		{"ALLUPPERCASE1!", false},
		{"NoDigitsHere!", false},
		{"NoSymbols123A", false},
	}
	for _, tc := range cases {
		err := ValidatePasswordPolicy(tc.password)
		if tc.ok && err != nil {
			t.Fatalf("%q rejected: %v", tc.password, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q accepted, want rejection", tc.password)
		}
	}
}

func TestDefaultPermissions(t *testing.T) {
	super := DefaultPermissions(RoleSuperadmin)
	if len(super) != len(AllPermissions) {
		t.Fatalf("superadmin permissions = %v", super)
	}
	manager := Account{Permissions: DefaultPermissions(RoleManager)}
	if manager.HasPermission(PermCertificatesDelete) {
		t.Fatal("manager must not hold the delete flag by default")
	}
	if !manager.HasPermission(PermCertificatesRevoke) {
		t.Fatal("manager should hold the revoke flag")
	}
	viewer := Account{Permissions: DefaultPermissions(RoleViewer)}
	if viewer.HasPermission(PermCertificatesCreate) {
		t.Fatal("viewer must not create certificates")
	}
}
