package auth

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/treasuryops/guard/internal/audit"
)

type staticRoles map[string][]string

func (r staticRoles) ResolvePermissions(role string) ([]string, error) {
	perms, ok := r[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return append([]string(nil), perms...), nil
}

var testRoles = staticRoles{
	"viewer":  {"view_balances"},
	"analyst": {"view_balances", "view_forecasts"},
	"cfo":     {"view_balances", "approve_payments_high"},
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *clock
	log   *audit.Logger
	mgr   *Manager
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)}
	log := audit.NewLogger(audit.WithClock(c.Now))
	dir := NewDirectory(testRoles, c.Now)
	base := []Option{WithClock(c.Now), WithAudit(audit.NewEmitter(log, zeroLogger(), nil))}
	mgr, err := NewManager(dir, NewSessionStore(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for _, nu := range []NewUser{
		{Username: "alice", Email: "alice@example.com", Role: "analyst", Password: "correct-horse", EntityAccess: []string{"ENT-01"}},
		{Username: "bob", Role: "viewer", Password: "bob-password"},
		{Username: "carol", Role: "cfo", Password: "carol-password", EntityAccess: []string{EntityAll}, Inactive: true},
	} {
		if _, err := mgr.CreateUser(nu); err != nil {
			t.Fatalf("CreateUser(%s): %v", nu.Username, err)
		}
	}
	return fixture{clock: c, log: log, mgr: mgr}
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Authenticate("Alice", "correct-horse", "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Username != "alice" || sess.Role != "analyst" || !sess.Active {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(sess.Permissions) != 2 || sess.EntityAccess[0] != "ENT-01" {
		t.Fatalf("session snapshot incomplete: %+v", sess)
	}
	if want := f.clock.Now().Add(30 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", sess.ExpiresAt, want)
	}
	user, _ := f.mgr.Directory().Get("alice")
	if !user.LastLogin.Equal(f.clock.Now()) {
		t.Fatalf("last login not updated: %v", user.LastLogin)
	}
	if got := f.log.Search(audit.Filter{Kinds: []audit.Kind{audit.KindLoginSuccess}}); len(got) != 1 {
		t.Fatalf("login success events = %d", len(got))
	}
}

func TestAuthenticateFailureKinds(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		user, pass string
		want       error
	}{
		{"nobody", "whatever", ErrUserNotFound},
		{"carol", "carol-password", ErrAccountInactive},
		{"bob", "wrong", ErrInvalidCredentials},
	}
	for _, tc := range cases {
		if _, err := f.mgr.Authenticate(tc.user, tc.pass, "10.0.0.2", ""); !errors.Is(err, tc.want) {
			t.Fatalf("Authenticate(%s) = %v, want %v", tc.user, err, tc.want)
		}
	}
	failures := f.log.Search(audit.Filter{Kinds: []audit.Kind{audit.KindLoginFailure}})
	if len(failures) != len(cases) {
		t.Fatalf("login failure events = %d, want %d", len(failures), len(cases))
	}
}

func TestFifthFailureLocksAndCorrectPasswordIsRejected(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		_, err := f.mgr.Authenticate("alice", "bad", "10.0.0.3", "")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i, err)
		}
		attempts, until, _ := f.mgr.LoginAttempts("alice")
		if attempts != i {
			t.Fatalf("attempt %d: counter = %d", i, attempts)
		}
		if i < 5 && !until.IsZero() {
			t.Fatalf("attempt %d locked the account early", i)
		}
	}

	_, err := f.mgr.Authenticate("alice", "correct-horse", "10.0.0.3", "")
	if !errors.Is(err, ErrAccountLocked) || errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrAccountLocked", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected *LockedError, got %T", err)
	}
	if want := f.clock.Now().Add(15 * time.Minute); !locked.Until.Equal(want) {
		t.Fatalf("locked until %v, want %v", locked.Until, want)
	}
	if got := f.log.Search(audit.Filter{Kinds: []audit.Kind{audit.KindAccountLocked}}); len(got) != 1 {
		t.Fatalf("account_locked events = %d, want 1", len(got))
	}
}

func TestLockExpiresLazily(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, _ = f.mgr.Authenticate("alice", "bad", "", "")
	}
	f.clock.Advance(14 * time.Minute)
	if _, err := f.mgr.Authenticate("alice", "correct-horse", "", ""); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lock after 14m, got %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.mgr.Authenticate("alice", "correct-horse", "", ""); err != nil {
		t.Fatalf("expected lock to lapse after 15m: %v", err)
	}
	attempts, until, _ := f.mgr.LoginAttempts("alice")
	if attempts != 0 || !until.IsZero() {
		t.Fatalf("success must reset lockout state: %d %v", attempts, until)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		_, _ = f.mgr.Authenticate("alice", "bad", "", "")
	}
	if _, err := f.mgr.Authenticate("alice", "correct-horse", "", ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 4; i++ {
		_, _ = f.mgr.Authenticate("alice", "bad", "", "")
	}
	if _, err := f.mgr.Authenticate("alice", "correct-horse", "", ""); err != nil {
		t.Fatalf("four failures after a reset must not lock: %v", err)
	}
}

func TestConcurrentFailuresDoNotRacePastThreshold(t *testing.T) {
	f := newFixture(t, WithLockoutPolicy(LockoutPolicy{MaxAttempts: 5, Duration: time.Hour}))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		invalid int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Authenticate("bob", "bad", "", "")
			if errors.Is(err, ErrInvalidCredentials) {
				mu.Lock()
				invalid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if invalid != 5 {
		t.Fatalf("password checks that ran = %d, want exactly 5", invalid)
	}
	attempts, _, _ := f.mgr.LoginAttempts("bob")
	if attempts != 5 {
		t.Fatalf("counter = %d, want 5", attempts)
	}
}

func TestValidateSessionSlidesExpiry(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.mgr.Authenticate("alice", "correct-horse", "", "")

	f.clock.Advance(20 * time.Minute)
	got, err := f.mgr.ValidateSession(sess.ID)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if want := f.clock.Now().Add(30 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, want)
	}

	// repeated calls at the same instant are idempotent
	again, _ := f.mgr.ValidateSession(sess.ID)
	if !again.ExpiresAt.Equal(got.ExpiresAt) {
		t.Fatalf("repeated validation moved expiry: %v vs %v", again.ExpiresAt, got.ExpiresAt)
	}

	f.clock.Advance(31 * time.Minute)
	if _, err := f.mgr.ValidateSession(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := f.mgr.ValidateSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session must be purged, got %v", err)
	}
}

func TestConcurrentValidationKeepsExpiryConsistent(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.mgr.Authenticate("alice", "correct-horse", "", "")
	f.clock.Advance(10 * time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.ValidateSession(sess.ID); err != nil {
				t.Errorf("ValidateSession: %v", err)
			}
		}()
	}
	wg.Wait()
	got, _ := f.mgr.ValidateSession(sess.ID)
	if want := f.clock.Now().Add(30 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, want)
	}
}

func TestLogoutAndLogoutAll(t *testing.T) {
	f := newFixture(t)
	s1, _ := f.mgr.Authenticate("alice", "correct-horse", "", "")
	s2, _ := f.mgr.Authenticate("alice", "correct-horse", "", "")
	s3, _ := f.mgr.Authenticate("alice", "correct-horse", "", "")
	other, _ := f.mgr.Authenticate("bob", "bob-password", "", "")

	if err := f.mgr.Logout(s1.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := f.mgr.Logout(s1.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second logout = %v, want ErrSessionNotFound", err)
	}
	n, err := f.mgr.LogoutAll("alice")
	if err != nil || n != 2 {
		t.Fatalf("LogoutAll = %d, %v; want 2", n, err)
	}
	for _, id := range []string{s2.ID, s3.ID} {
		if _, err := f.mgr.ValidateSession(id); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("session %s survived logout_all: %v", id, err)
		}
	}
	if _, err := f.mgr.ValidateSession(other.ID); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}
	if _, err := f.mgr.LogoutAll("nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("LogoutAll(nobody) = %v", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newFixture(t)
	_, _ = f.mgr.Authenticate("alice", "correct-horse", "", "")
	_, _ = f.mgr.Authenticate("alice", "correct-horse", "", "")

	if _, err := f.mgr.ChangePassword("alice", "wrong", "battery-staple"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password = %v", err)
	}
	if _, err := f.mgr.ChangePassword("alice", "correct-horse", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password = %v", err)
	}
	n, err := f.mgr.ChangePassword("alice", "correct-horse", "battery-staple")
	if err != nil || n != 2 {
		t.Fatalf("ChangePassword = %d, %v", n, err)
	}
	if _, err := f.mgr.Authenticate("alice", "correct-horse", "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := f.mgr.Authenticate("alice", "battery-staple", "", ""); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	f := newFixture(t)
	_, _ = f.mgr.Authenticate("alice", "correct-horse", "", "")
	f.clock.Advance(20 * time.Minute)
	fresh, _ := f.mgr.Authenticate("bob", "bob-password", "", "")
	f.clock.Advance(15 * time.Minute)

	if n := f.mgr.CleanupExpiredSessions(); n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
	active, _ := f.mgr.ActiveSessions("bob")
	if len(active) != 1 || active[0].ID != fresh.ID {
		t.Fatalf("bob's session should remain: %+v", active)
	}
}

func TestAttemptLimit(t *testing.T) {
	f := newFixture(t, WithAttemptLimit(1, 2))
	for i := 0; i < 2; i++ {
		if _, err := f.mgr.Authenticate("bob", "bob-password", "192.0.2.1", ""); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := f.mgr.Authenticate("bob", "bob-password", "192.0.2.1", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := f.mgr.Authenticate("bob", "bob-password", "192.0.2.2", ""); err != nil {
		t.Fatalf("other address must not be throttled: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.mgr.Authenticate("bob", "bob-password", "192.0.2.1", ""); err != nil {
		t.Fatalf("bucket should refill: %v", err)
	}
	// throttled attempts never touch the failure counter
	if attempts, _, _ := f.mgr.LoginAttempts("bob"); attempts != 0 {
		t.Fatalf("counter = %d", attempts)
	}
}

func TestSetRoleRederivesPermissionsAndAudits(t *testing.T) {
	f := newFixture(t)
	u, err := f.mgr.SetRole("bob", "cfo")
	if err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if len(u.Permissions) != 2 || u.Permissions[1] != "approve_payments_high" {
		t.Fatalf("permissions not re-derived: %v", u.Permissions)
	}
	if _, err := f.mgr.SetRole("bob", "wizard"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown role = %v", err)
	}
	events := f.log.Search(audit.Filter{Kinds: []audit.Kind{audit.KindRoleChange}})
	if len(events) != 1 || events[0].Details[audit.DetailPrivilegeEscalation] != true {
		t.Fatalf("role change not audited as escalation: %+v", events)
	}
	if events[0].Severity != audit.SeverityCritical {
		t.Fatalf("escalating role change severity = %s", events[0].Severity)
	}
}

func TestDeactivateEndsSessions(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.mgr.Authenticate("bob", "bob-password", "", "")
	if _, err := f.mgr.SetActive("bob", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := f.mgr.ValidateSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session survived deactivation: %v", err)
	}
	if _, err := f.mgr.Authenticate("bob", "bob-password", "", ""); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("inactive login = %v", err)
	}
}

func TestDirectoryRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.CreateUser(NewUser{Username: "ALICE", Role: "viewer", Password: "another-pass"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate username = %v", err)
	}
	if _, err := f.mgr.CreateUser(NewUser{Username: " ", Role: "viewer", Password: "another-pass"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank username = %v", err)
	}
	if got := len(f.mgr.Directory().List()); got != 3 {
		t.Fatalf("directory size = %d", got)
	}
}

func TestPrincipalEntityScope(t *testing.T) {
	all := NewPrincipal("u1", "cfo", "cfo", "s1", nil, []string{EntityAll})
	if !all.CanAccessEntity("ENT-07") {
		t.Fatalf("ALL scope must grant any entity")
	}
	one := NewPrincipal("u2", "a", "analyst", "s2", []string{"b", "a"}, []string{"ENT-01"})
	if !one.CanAccessEntity("ENT-01") || one.CanAccessEntity("ENT-02") {
		t.Fatalf("explicit scope mismatch")
	}
	if got := one.PermissionList(); got[0] != "a" || got[1] != "b" {
		t.Fatalf("PermissionList not sorted: %v", got)
	}
}
