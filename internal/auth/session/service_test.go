package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"chatmate/internal/identity"
	"chatmate/internal/security/password"
	"chatmate/internal/security/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	forced   []string
	accounts []string
	trust    map[string]bool
}

func (n *recordingNotifier) NotifyForcedLogout(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forced = append(n.forced, sessionID)
}

func (n *recordingNotifier) NotifyAccountLogout(username string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append(n.accounts, username)
}

func (n *recordingNotifier) accountsLoggedOut() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.accounts...)
}

func (n *recordingNotifier) NotifyTrustChanged(sessionID string, trusted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.trust == nil {
		n.trust = map[string]bool{}
	}
	n.trust[sessionID] = trusted
}

func (n *recordingNotifier) forcedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.forced...)
}

type harness struct {
	svc      *Service
	store    *identity.MemoryStore
	notifier *recordingNotifier
	clock    *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.RefreshSecret = strings.Repeat("s", 32)
	return cfg
}

func fastPasswords() password.Config {
	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1
	return pw
}

func newHarness(t *testing.T, store identity.Store) *harness {
	t.Helper()

	mem, _ := store.(*identity.MemoryStore)
	if store == nil {
		mem = identity.NewMemoryStore(identity.DefaultLoginCapacity)
		store = mem
	}

	h := &harness{
		store:    mem,
		notifier: &recordingNotifier{},
		clock:    &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	svc, err := NewService(testConfig(), store, fastPasswords(), token.NewHasher([]byte(strings.Repeat("k", 32))),
		WithNotifier(h.notifier),
		WithClock(h.clock.Now),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h.svc = svc
	return h
}

const testPassword = "correct horse battery"

func (h *harness) register(t *testing.T, username string) {
	t.Helper()
	if _, err := h.svc.Register(context.Background(), username, testPassword); err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
}

func (h *harness) login(t *testing.T, username string, trust bool, ip string) Issued {
	t.Helper()
	out, err := h.svc.Login(context.Background(), LoginInput{
		Username:  username,
		Password:  testPassword,
		Trust:     trust,
		IP:        ip,
		UserAgent: "chatmate-test/1.0",
	})
	if err != nil {
		t.Fatalf("Login(%s): %v", username, err)
	}
	return out
}

func (h *harness) user(t *testing.T, username string) identity.User {
	t.Helper()
	u, err := h.svc.store.GetByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("GetByUsername: %v", err)
	}
	return u
}

func (h *harness) refresh(cookie string) (Issued, error) {
	return h.svc.Refresh(context.Background(), RefreshInput{Cookie: cookie})
}

func loginActive(u identity.User, sessionID string) bool {
	i := u.Logins.Index(sessionID)
	return i >= 0 && u.Logins.At(i).Active
}

func TestLogin_GenericFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	_, errUnknown := h.svc.Login(context.Background(), LoginInput{Username: "nobody", Password: testPassword})
	_, errWrong := h.svc.Login(context.Background(), LoginInput{Username: "alice", Password: "not the password"})

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("failures must be indistinguishable: %q vs %q", errUnknown, errWrong)
	}
}

func TestLogin_IssuesTokensAndDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	out := h.login(t, "alice", true, "198.51.100.1")
	if !identity.IsSessionID(out.SessionID) {
		t.Fatalf("session id not a ULID: %q", out.SessionID)
	}
	if len(out.Roles) != 1 || out.Roles[0] != int(identity.RoleUser) {
		t.Fatalf("roles: %v", out.Roles)
	}

	claims, err := h.svc.VerifyAccess(out.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Username != "alice" {
		t.Fatalf("username claim: %q", claims.Username)
	}

	u := h.user(t, "alice")
	if !u.TokenSetConsistent() {
		t.Fatalf("token set inconsistent after login")
	}
	i := u.DeviceIndexBySession(out.SessionID)
	if i < 0 || !u.Devices[i].Trusted || !u.Devices[i].Active {
		t.Fatalf("device not bound/trusted: %+v", u.Devices)
	}
	if _, err := h.svc.AuthorizeSession(context.Background(), out.AccessToken, out.SessionID); err != nil {
		t.Fatalf("AuthorizeSession: %v", err)
	}
}

func TestRefresh_TrustedRotatesAndReplayWipes(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	first := h.login(t, "alice", true, "198.51.100.1")
	other := h.login(t, "alice", true, "198.51.100.2")

	h.clock.Advance(time.Minute)
	rotated, err := h.refresh(first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if rotated.SessionID != first.SessionID || !rotated.Trusted {
		t.Fatalf("unexpected rotation result: %+v", rotated)
	}

	_, err = h.refresh(first.RefreshToken)
	if !errors.Is(err, ErrRefreshRejected) || !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	u := h.user(t, "alice")
	if len(u.RefreshTokens) != 0 {
		t.Fatalf("replay must empty the token set, got %v", u.RefreshTokens)
	}
	if loginActive(u, first.SessionID) || loginActive(u, other.SessionID) {
		t.Fatalf("replay must deactivate every login")
	}
	if got := h.notifier.accountsLoggedOut(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected account-wide logout for alice, got %v", got)
	}

	if _, err := h.refresh(rotated.RefreshToken); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("rotated token must be dead after containment, got %v", err)
	}
}

func TestRefresh_SequentialRotations(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	orig := h.login(t, "alice", true, "198.51.100.1")

	r1, err := h.refresh(orig.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	r2, err := h.refresh(r1.RefreshToken)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if r2.RefreshToken == r1.RefreshToken {
		t.Fatalf("second refresh did not rotate")
	}
	if !h.user(t, "alice").TokenSetConsistent() {
		t.Fatalf("token set inconsistent after rotations")
	}

	if _, err := h.refresh(orig.RefreshToken); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("original cookie must be rejected, got %v", err)
	}
}

func TestRefresh_UntrustedDeviceRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	s1 := h.login(t, "alice", false, "198.51.100.1")

	_, err := h.refresh(s1.RefreshToken)
	if !errors.Is(err, ErrRefreshRejected) || !errors.Is(err, ErrUntrustedDevice) {
		t.Fatalf("expected untrusted rejection, got %v", err)
	}
	if RejectReason(err) != ReasonUntrusted {
		t.Fatalf("reason: %q", RejectReason(err))
	}

	u := h.user(t, "alice")
	if loginActive(u, s1.SessionID) {
		t.Fatalf("untrusted session must be deactivated")
	}
	if u.DeviceIndexBySession(s1.SessionID) >= 0 {
		t.Fatalf("device still bound to rejected session")
	}
	if !u.TokenSetConsistent() {
		t.Fatalf("token set inconsistent")
	}
}

func TestRefresh_TrustRevokedByOwner(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	s1 := h.login(t, "alice", true, "198.51.100.1")
	u := h.user(t, "alice")
	dev := u.Devices[u.DeviceIndexBySession(s1.SessionID)]

	if _, err := h.svc.SetTrust(context.Background(), SetTrustInput{Username: "alice", DeviceID: dev.ID, Trusted: false}); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}
	if got, ok := h.notifier.trust[s1.SessionID]; !ok || got {
		t.Fatalf("expected trust_changed(false) for %s, got %v", s1.SessionID, h.notifier.trust)
	}

	if _, err := h.refresh(s1.RefreshToken); !errors.Is(err, ErrUntrustedDevice) {
		t.Fatalf("expected untrusted rejection, got %v", err)
	}
}

func TestRefresh_ExpiredTokenDeactivatesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	s1 := h.login(t, "alice", true, "198.51.100.1")
	s2 := h.login(t, "alice", true, "198.51.100.2")

	h.clock.Advance(25 * time.Hour)
	_, err := h.refresh(s1.RefreshToken)
	if RejectReason(err) != ReasonInvalidToken {
		t.Fatalf("expected invalid_token rejection, got %v", err)
	}

	u := h.user(t, "alice")
	if loginActive(u, s1.SessionID) {
		t.Fatalf("expired session must be deactivated")
	}
	if !loginActive(u, s2.SessionID) {
		t.Fatalf("other session must be untouched")
	}
}

func TestRefresh_ForgedTokenChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	h.login(t, "alice", true, "198.51.100.1")
	before := h.user(t, "alice").Version

	cfg := testConfig()
	cfg.RefreshSecret = strings.Repeat("x", 32)
	forger, err := NewRefreshTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewRefreshTokenManager: %v", err)
	}
	forged, _, err := forger.Issue("alice", h.clock.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = h.refresh(forged)
	if RejectReason(err) != ReasonForged {
		t.Fatalf("expected forged rejection, got %v", err)
	}
	if after := h.user(t, "alice").Version; after != before {
		t.Fatalf("forged token mutated state: version %d -> %d", before, after)
	}
}

func TestRefresh_OrphanedHashIsStripped(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	h.login(t, "alice", true, "198.51.100.1")

	stray, _, err := h.svc.refresh.Issue("alice", h.clock.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	u := h.user(t, "alice")
	u.AddRefreshToken(h.svc.hash(stray))
	if _, err := h.store.Update(context.Background(), u); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err = h.refresh(stray)
	if RejectReason(err) != ReasonOrphaned {
		t.Fatalf("expected orphaned rejection, got %v", err)
	}

	u = h.user(t, "alice")
	if u.HasRefreshToken(h.svc.hash(stray)) {
		t.Fatalf("orphaned hash not stripped")
	}
	if len(u.Logins.ActiveSessionIDs()) != 1 {
		t.Fatalf("orphan cleanup must not touch other sessions")
	}
}

func TestRefresh_NoCookie(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.refresh(""); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestLogin_HistoryEvictionRetiresOldestSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	var sessions []Issued
	for i := 0; i < identity.DefaultLoginCapacity+1; i++ {
		h.clock.Advance(time.Second)
		sessions = append(sessions, h.login(t, "alice", true, "198.51.100.1"))
	}

	u := h.user(t, "alice")
	if u.Logins.Len() != identity.DefaultLoginCapacity {
		t.Fatalf("history length: %d", u.Logins.Len())
	}
	if u.Logins.Index(sessions[0].SessionID) != -1 {
		t.Fatalf("oldest login not evicted")
	}
	if !u.TokenSetConsistent() {
		t.Fatalf("token set inconsistent after eviction")
	}
	if _, err := h.refresh(sessions[0].RefreshToken); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("evicted session token must be rejected, got %v", err)
	}
}

func TestLogin_PriorSessionRetired(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	s1 := h.login(t, "alice", true, "198.51.100.1")
	s2, err := h.svc.Login(context.Background(), LoginInput{
		Username:       "alice",
		Password:       testPassword,
		Trust:          true,
		PriorSessionID: s1.SessionID,
		IP:             "198.51.100.9",
		UserAgent:      "chatmate-test/1.0",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	u := h.user(t, "alice")
	if loginActive(u, s1.SessionID) || !loginActive(u, s2.SessionID) {
		t.Fatalf("prior session not retired")
	}
}

func TestLogin_StrayCookieWipesAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	h.register(t, "bob")

	a1 := h.login(t, "alice", true, "198.51.100.1")
	bob := h.login(t, "bob", true, "198.51.100.2")

	_, err := h.svc.Login(context.Background(), LoginInput{
		Username:      "alice",
		Password:      testPassword,
		RefreshCookie: bob.RefreshToken,
		IP:            "198.51.100.3",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	u := h.user(t, "alice")
	if loginActive(u, a1.SessionID) {
		t.Fatalf("stray cookie must wipe previous sessions")
	}
	if len(u.RefreshTokens) != 1 || !u.TokenSetConsistent() {
		t.Fatalf("only the new session should hold a token: %v", u.RefreshTokens)
	}
	if !loginActive(h.user(t, "bob"), bob.SessionID) {
		t.Fatalf("bob must be unaffected")
	}
	if got := h.notifier.accountsLoggedOut(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected account-wide logout for alice, got %v", got)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	s1 := h.login(t, "alice", true, "198.51.100.1")
	in := LogoutInput{PriorSessionID: s1.SessionID, Cookie: s1.RefreshToken}

	if err := h.svc.Logout(context.Background(), in); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	v := h.user(t, "alice").Version

	if err := h.svc.Logout(context.Background(), in); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	u := h.user(t, "alice")
	if u.Version != v {
		t.Fatalf("repeated logout must not write")
	}
	if loginActive(u, s1.SessionID) || u.HasRefreshToken(h.svc.hash(s1.RefreshToken)) {
		t.Fatalf("session still live after logout")
	}
}

func TestForceLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	s1 := h.login(t, "alice", true, "198.51.100.1")

	found, err := h.svc.ForceLogout(context.Background(), s1.SessionID)
	if err != nil || !found {
		t.Fatalf("ForceLogout: found=%v err=%v", found, err)
	}
	if got := h.notifier.forcedIDs(); len(got) != 1 || got[0] != s1.SessionID {
		t.Fatalf("forced logout not broadcast: %v", got)
	}
	if _, err := h.svc.AuthorizeSession(context.Background(), s1.AccessToken, s1.SessionID); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("session must not authorize after forced logout, got %v", err)
	}
}

func TestForceLogout_UnknownAndMalformed(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	h.login(t, "alice", true, "198.51.100.1")
	v := h.user(t, "alice").Version

	unknown, _ := identity.NewULID(h.clock.Now())
	found, err := h.svc.ForceLogout(context.Background(), unknown)
	if err != nil || found {
		t.Fatalf("unknown session: found=%v err=%v", found, err)
	}
	if h.user(t, "alice").Version != v {
		t.Fatalf("unknown session must not mutate")
	}
	if len(h.notifier.forcedIDs()) != 0 {
		t.Fatalf("unknown session must not broadcast")
	}

	if _, err := h.svc.ForceLogout(context.Background(), "nope"); !identity.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestResetPassword_RevokesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	s1 := h.login(t, "alice", true, "198.51.100.1")
	s2 := h.login(t, "alice", false, "198.51.100.2")

	revoked, err := h.svc.ResetPassword(context.Background(), ResetInput{Username: "alice", Password: "a brand new passphrase"})
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("revoked: %v", revoked)
	}
	if got := h.notifier.accountsLoggedOut(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected account-wide logout for alice, got %v", got)
	}

	u := h.user(t, "alice")
	if len(u.RefreshTokens) != 0 || loginActive(u, s1.SessionID) || loginActive(u, s2.SessionID) {
		t.Fatalf("reset must revoke all sessions")
	}
	for _, d := range u.Devices {
		if d.Trusted || d.Active {
			t.Fatalf("device still live after reset: %+v", d)
		}
	}

	if _, err := h.svc.Login(context.Background(), LoginInput{Username: "alice", Password: testPassword}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must fail, got %v", err)
	}
	if _, err := h.svc.Login(context.Background(), LoginInput{Username: "alice", Password: "a brand new passphrase"}); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	if _, err := h.svc.Register(context.Background(), "ALICE", testPassword); !identity.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := h.svc.Register(context.Background(), "bob", "short"); !identity.IsInvalidInput(err) {
		t.Fatalf("expected invalid input for weak password, got %v", err)
	}
	if _, err := h.svc.Register(context.Background(), "", testPassword); !identity.IsInvalidInput(err) {
		t.Fatalf("expected invalid input for empty username, got %v", err)
	}
}

func TestListDevices_Dedup(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	h.login(t, "alice", true, "198.51.100.1")
	h.login(t, "alice", true, "198.51.100.1")
	h.login(t, "alice", true, "198.51.100.2")

	devs, err := h.svc.ListDevices(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devs))
	}

	if _, err := h.svc.ListDevices(context.Background(), "nobody"); !identity.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetTrust_NotifiesOnlyBoundSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	a := h.login(t, "alice", false, "198.51.100.1")
	b := h.login(t, "alice", false, "198.51.100.2")

	u := h.user(t, "alice")
	dev := u.Devices[u.DeviceIndexBySession(a.SessionID)]
	if _, err := h.svc.SetTrust(context.Background(), SetTrustInput{Username: "alice", DeviceID: dev.ID, Trusted: true}); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if got, ok := h.notifier.trust[a.SessionID]; !ok || !got {
		t.Fatalf("expected trust_changed(true) for %s, got %v", a.SessionID, h.notifier.trust)
	}
	if _, ok := h.notifier.trust[b.SessionID]; ok {
		t.Fatalf("unrelated session %s notified", b.SessionID)
	}
}

func TestSetTrust_ReleasedDeviceNotifiesNobody(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")
	a := h.login(t, "alice", true, "198.51.100.1")

	u := h.user(t, "alice")
	devID := u.Devices[u.DeviceIndexBySession(a.SessionID)].ID
	if _, err := h.svc.ForceLogout(context.Background(), a.SessionID); err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}

	if _, err := h.svc.SetTrust(context.Background(), SetTrustInput{Username: "alice", DeviceID: devID, Trusted: true}); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.trust) != 0 {
		t.Fatalf("released device must not notify: %v", h.notifier.trust)
	}
}

func TestSetTrust_UnknownDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	_, err := h.svc.SetTrust(context.Background(), SetTrustInput{Username: "alice", DeviceID: "missing", Trusted: true})
	if !identity.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// conflictingStore loses the first n compare-and-swaps.
type conflictingStore struct {
	*identity.MemoryStore
	mu   sync.Mutex
	fail int
}

func (s *conflictingStore) Update(ctx context.Context, u identity.User) (identity.User, error) {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return identity.User{}, identity.VersionConflictError{Op: "test", UserID: u.ID, Expected: u.Version}
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, u)
}

func TestConflicts_LoginSurfacesLogoutRetries(t *testing.T) {
	store := &conflictingStore{MemoryStore: identity.NewMemoryStore(0)}
	h := newHarness(t, store)
	h.store = store.MemoryStore
	h.register(t, "alice")
	s1 := h.login(t, "alice", true, "198.51.100.1")

	store.fail = 1
	_, err := h.svc.Login(context.Background(), LoginInput{Username: "alice", Password: testPassword})
	if !identity.IsVersionConflict(err) {
		t.Fatalf("login must surface the conflict, got %v", err)
	}

	store.fail = 2
	if err := h.svc.Logout(context.Background(), LogoutInput{PriorSessionID: s1.SessionID}); err != nil {
		t.Fatalf("logout must retry through conflicts: %v", err)
	}
	if loginActive(h.user(t, "alice"), s1.SessionID) {
		t.Fatalf("logout did not persist")
	}

	store.fail = 10
	if _, err := h.svc.ForceLogout(context.Background(), s1.SessionID); err != nil {
		t.Fatalf("no-op force logout must not write: %v", err)
	}
}

func TestConflicts_RefreshSurfacesAndKeepsTokenSet(t *testing.T) {
	store := &conflictingStore{MemoryStore: identity.NewMemoryStore(0)}
	h := newHarness(t, store)
	h.store = store.MemoryStore
	h.register(t, "alice")
	s1 := h.login(t, "alice", true, "198.51.100.1")
	before := h.user(t, "alice")

	store.fail = 1
	_, err := h.refresh(s1.RefreshToken)
	if !identity.IsVersionConflict(err) {
		t.Fatalf("refresh must surface the conflict, got %v", err)
	}

	after := h.user(t, "alice")
	if after.Version != before.Version {
		t.Fatalf("lost race must not write: version %d -> %d", before.Version, after.Version)
	}
	if !slices.Equal(after.RefreshTokens, before.RefreshTokens) {
		t.Fatalf("token set changed: %v -> %v", before.RefreshTokens, after.RefreshTokens)
	}

	if _, err := h.refresh(s1.RefreshToken); err != nil {
		t.Fatalf("retry with the same cookie must succeed: %v", err)
	}
}

func TestForceLogout_ReloginWithOldCookieSparesOtherSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	a := h.login(t, "alice", true, "198.51.100.1")
	b := h.login(t, "alice", true, "198.51.100.2")

	if _, err := h.svc.ForceLogout(context.Background(), b.SessionID); err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}
	u := h.user(t, "alice")
	if !u.HasRefreshToken(h.svc.hash(b.RefreshToken)) {
		t.Fatalf("logout by id must leave the refresh hash in place")
	}
	if !u.TokenSetConsistent() {
		t.Fatalf("token set inconsistent after forced logout")
	}

	b2, err := h.svc.Login(context.Background(), LoginInput{
		Username:      "alice",
		Password:      testPassword,
		Trust:         true,
		RefreshCookie: b.RefreshToken,
		IP:            "198.51.100.2",
		UserAgent:     "chatmate-test/1.0",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	u = h.user(t, "alice")
	if !loginActive(u, a.SessionID) || !loginActive(u, b2.SessionID) {
		t.Fatalf("re-login must not wipe the account")
	}
	if u.HasRefreshToken(h.svc.hash(b.RefreshToken)) {
		t.Fatalf("presented cookie must leave the set")
	}
	if got := h.notifier.forcedIDs(); len(got) != 1 || got[0] != b.SessionID {
		t.Fatalf("only the forced session may be broadcast, got %v", got)
	}
}

func TestRefresh_AfterForceLogoutRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "alice")

	a := h.login(t, "alice", true, "198.51.100.1")
	b := h.login(t, "alice", true, "198.51.100.2")
	if _, err := h.svc.ForceLogout(context.Background(), b.SessionID); err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}

	_, err := h.refresh(b.RefreshToken)
	if RejectReason(err) != ReasonUntrusted {
		t.Fatalf("expected untrusted rejection, got %v", err)
	}
	u := h.user(t, "alice")
	if u.HasRefreshToken(h.svc.hash(b.RefreshToken)) {
		t.Fatalf("rejected cookie must leave the set")
	}
	if !loginActive(u, a.SessionID) {
		t.Fatalf("other session must be untouched")
	}
}
