package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	v1 "chatmate/internal/contracts/realtime/v1"
)

// API is the part of the server surface the coordinator drives.
type API interface {
	Login(ctx context.Context, username, password string, trust bool, priorSessionID string) (Credentials, error)
	Refresh(ctx context.Context) (Credentials, error)
	Logout(ctx context.Context, sessionID string) error
}

// Prefs persists the trust preference and the last session id across runs.
type Prefs interface {
	Trusted(ctx context.Context) (bool, error)
	SetTrusted(ctx context.Context, trusted bool) error
	LeftoverSession(ctx context.Context) (string, error)
	SetLeftoverSession(ctx context.Context, sessionID string) error
	ClearLeftoverSession(ctx context.Context) error
}

// Reason says why a session ended.
type Reason string

const (
	ReasonExpired         Reason = "expired"
	ReasonForced          Reason = "forced_logout"
	ReasonManual          Reason = "manual"
	ReasonLeftover        Reason = "leftover_session"
	ReasonAccessLost      Reason = "access_lost"
	ReasonRefreshRejected Reason = "refresh_rejected"
)

// NoticeKind classifies a Notice.
type NoticeKind int

const (
	NoticeAuthenticated NoticeKind = iota + 1
	NoticeLoggedOut
	NoticeTrustChanged
)

// ReloginMessage is shown for every ended session, whatever the cause.
const ReloginMessage = "Please log in again!"

// Notice tells the UI what changed.
type Notice struct {
	Kind      NoticeKind
	Reason    Reason
	Message   string
	Username  string
	SessionID string
	Trusted   bool
}

// Snapshot is a copy of the coordinator state.
type Snapshot struct {
	Authenticated  bool
	Username       string
	Roles          []int
	AccessToken    string
	SessionID      string
	Trusted        bool
	Sessions       []string
	LogoutInFlight bool
}

// ErrRefreshInFlight is returned when a silent refresh is already outstanding.
var ErrRefreshInFlight = errors.New("coordinator: refresh already in flight")

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("coordinator: stopped")

var errNotStarted = errors.New("coordinator: not started")

const (
	defaultCallTimeout = 10 * time.Second
	noticeBuffer       = 64
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithListener subscribes to server-pushed events for the current session.
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listener = l }
}

// WithClock overrides time.Now for expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCallTimeout bounds background logout and refresh calls.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// Coordinator is the client session state machine. Call Start before use and
// Stop when done; Stop disarms the expiry timer.
type Coordinator struct {
	api         API
	prefs       Prefs
	readToken   TokenReader
	listener    Listener
	log         *slog.Logger
	now         func() time.Time
	callTimeout time.Duration

	events  chan event
	notices chan Notice
	quit    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started    atomic.Bool
	stopOnce   sync.Once
	refreshing atomic.Bool

	// epoch advances whenever a session ends; refresh results from an
	// earlier epoch are discarded.
	epoch atomic.Uint64

	// Owned by the loop goroutine once Start returns.
	st state
}

type state struct {
	creds         Credentials
	authenticated bool
	trusted       bool
	sessions      []string

	timer    *time.Timer
	timerGen uint64

	logoutInFlight bool
	loggedOut      string
	pendingLogout  string

	listenKey    string
	listenCancel context.CancelFunc
}

// New builds a Coordinator. readToken decodes access token expiry.
func New(api API, prefs Prefs, readToken TokenReader, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:         api,
		prefs:       prefs,
		readToken:   readToken,
		log:         slog.Default(),
		now:         time.Now,
		callTimeout: defaultCallTimeout,
		events:      make(chan event, 16),
		notices:     make(chan Notice, noticeBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Notices delivers state changes. Slow readers lose notices rather than
// stalling the loop. The channel is closed once the loop stops.
func (c *Coordinator) Notices() <-chan Notice { return c.notices }

// Start loads the persisted preferences and starts the event loop.
//
// An untrusted client that finds a session id left over from a previous run
// logs it out before anything authenticated is shown.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator: already started")
	}

	trusted, err := c.prefs.Trusted(ctx)
	if err != nil {
		close(c.notices)
		close(c.done)
		return err
	}
	leftover, err := c.prefs.LeftoverSession(ctx)
	if err != nil {
		close(c.notices)
		close(c.done)
		return err
	}
	c.st.trusted = trusted

	switch {
	case leftover == "":
	case !trusted:
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.api.Logout(callCtx, leftover)
		cancel()
		if err != nil {
			c.log.Warn("client.leftover_logout.fail", "session_id", leftover, "err", err)
		} else {
			c.log.Info("client.leftover_logout", "session_id", leftover)
		}
		if err := c.prefs.ClearLeftoverSession(ctx); err != nil {
			c.log.Warn("client.prefs.clear.fail", "err", err)
		}
		c.st.loggedOut = leftover
		c.st.sessions = append(c.st.sessions, leftover)
		c.notify(Notice{Kind: NoticeLoggedOut, Reason: ReasonLeftover, Message: ReloginMessage, SessionID: leftover})
	default:
		// Kept as the prior session of the next login.
		c.st.sessions = append(c.st.sessions, leftover)
	}

	go c.run()
	return nil
}

// Resume tries a silent refresh when the device is trusted. It reports
// whether the client is authenticated afterwards.
func (c *Coordinator) Resume(ctx context.Context) (bool, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return false, err
	}
	if snap.Authenticated {
		return true, nil
	}
	if !snap.Trusted {
		return false, nil
	}
	if err := c.Refresh(ctx); err != nil {
		if IsAuthError(err) {
			return false, nil
		}
		return false, err
	}
	snap, err = c.Snapshot()
	return snap.Authenticated, err
}

// Login authenticates and adopts the issued credentials. The most recent
// session of this run is retired by the server as part of the login.
func (c *Coordinator) Login(ctx context.Context, username, password string, trust bool) (Credentials, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return Credentials{}, err
	}
	prior := ""
	if n := len(snap.Sessions); n > 0 {
		prior = snap.Sessions[n-1]
	}

	creds, err := c.api.Login(ctx, username, password, trust, prior)
	if err != nil {
		return Credentials{}, err
	}
	creds.Trusted = trust
	if err := c.post(evCredentials{creds: creds}); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Refresh performs one silent refresh. Only one may be outstanding; a
// rejected refresh ends the session.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer c.refreshing.Store(false)

	epoch := c.epoch.Load()
	creds, err := c.api.Refresh(ctx)
	if err != nil {
		if IsAuthError(err) {
			_ = c.post(evLogout{reason: ReasonRefreshRejected})
		}
		return err
	}
	return c.post(evCredentials{creds: creds, refreshed: true, epoch: epoch})
}

// SetCredentials replaces the credentials. Credentials without an access
// token end a session that was authenticated.
func (c *Coordinator) SetCredentials(creds Credentials) error {
	return c.post(evCredentials{creds: creds})
}

// Logout ends the current session. It returns once the request is queued;
// the LoggedOut notice follows.
func (c *Coordinator) Logout() error {
	return c.post(evLogout{reason: ReasonManual})
}

// HandleEnvelope feeds a server-pushed event into the loop.
func (c *Coordinator) HandleEnvelope(env v1.Envelope) {
	switch env.Type {
	case v1.TypeForcedLogout:
		var p v1.ForcedLogoutPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("client.realtime.bad_payload", "type", env.Type, "err", err)
		}
		_ = c.post(evForced{sessionID: p.SessionID})
	case v1.TypeTrustChanged:
		var p v1.TrustChangedPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("client.realtime.bad_payload", "type", env.Type, "err", err)
			return
		}
		_ = c.post(evTrust{sessionID: p.SessionID, trusted: p.Trusted})
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := c.post(evSnapshot{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, ErrStopped
	}
}

// Stop ends the loop, disarms the expiry timer and waits for background calls.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		if c.started.Load() {
			<-c.done
		}
		c.cancel()
		c.wg.Wait()
	})
}

// ---- event loop ----

type event interface{ isEvent() }

type (
	evCredentials struct {
		creds     Credentials
		refreshed bool
		epoch     uint64
	}
	evExpired     struct{ gen uint64 }
	evForced      struct{ sessionID string }
	evTrust       struct {
		sessionID string
		trusted   bool
	}
	evLogout     struct{ reason Reason }
	evLogoutDone struct {
		sessionID string
		err       error
	}
	evSnapshot struct{ reply chan<- Snapshot }
)

func (evCredentials) isEvent() {}
func (evExpired) isEvent()     {}
func (evForced) isEvent()      {}
func (evTrust) isEvent()       {}
func (evLogout) isEvent()      {}
func (evLogoutDone) isEvent()  {}
func (evSnapshot) isEvent()    {}

func (c *Coordinator) post(ev event) error {
	if !c.started.Load() {
		return errNotStarted
	}
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.quit:
		return ErrStopped
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer func() {
		c.disarm()
		c.stopListening()
		close(c.notices)
	}()

	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch e := ev.(type) {
	case evCredentials:
		if e.refreshed && e.epoch != c.epoch.Load() {
			c.log.Info("client.refresh.stale", "session_id", e.creds.SessionID)
			return
		}
		c.onCredentials(e.creds)
	case evExpired:
		c.onExpired(e.gen)
	case evForced:
		if !c.st.authenticated {
			return
		}
		if e.sessionID != "" && e.sessionID != c.st.creds.SessionID {
			c.log.Info("client.forced_logout.other_session", "session_id", e.sessionID)
			return
		}
		c.endSession(ReasonForced)
	case evTrust:
		c.onTrust(e.sessionID, e.trusted)
	case evLogout:
		c.endSession(e.reason)
	case evLogoutDone:
		c.onLogoutDone(e.sessionID, e.err)
	case evSnapshot:
		e.reply <- c.snapshot()
	}
}

func (c *Coordinator) onCredentials(creds Credentials) {
	if creds.AccessToken == "" {
		if c.st.authenticated {
			c.endSession(ReasonAccessLost)
		}
		return
	}
	c.observeSession(creds.SessionID)

	info, err := c.readToken(creds.AccessToken)
	if err != nil {
		c.log.Warn("client.token.unreadable", "session_id", creds.SessionID, "err", err)
		c.st.authenticated = true
		c.endSession(ReasonAccessLost)
		return
	}
	if creds.Username == "" {
		creds.Username = info.Username
	}
	if creds.Username == "" {
		creds.Username = c.st.creds.Username
	}

	c.st.creds = creds
	c.st.authenticated = true
	c.st.trusted = creds.Trusted
	c.persistTrust(creds.Trusted)
	if creds.SessionID != "" {
		if err := c.prefs.SetLeftoverSession(c.ctx, creds.SessionID); err != nil {
			c.log.Warn("client.prefs.save.fail", "err", err)
		}
	}

	c.notify(Notice{Kind: NoticeAuthenticated, Username: creds.Username, SessionID: creds.SessionID, Trusted: creds.Trusted})
	c.listen(creds)
	c.arm(info.ExpiresAt)
}

func (c *Coordinator) onExpired(gen uint64) {
	if gen != c.st.timerGen || !c.st.authenticated {
		return
	}
	c.st.timer = nil

	if !c.st.trusted {
		c.endSession(ReasonExpired)
		return
	}
	c.log.Info("client.token.expired.refresh", "session_id", c.st.creds.SessionID)
	c.background(func(ctx context.Context) {
		if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) {
			c.log.Warn("client.refresh.fail", "err", err)
		}
	})
}

func (c *Coordinator) onTrust(sessionID string, trusted bool) {
	if sessionID != "" && c.st.creds.SessionID != "" && sessionID != c.st.creds.SessionID {
		return
	}
	c.st.trusted = trusted
	c.st.creds.Trusted = trusted
	c.persistTrust(trusted)
	c.notify(Notice{Kind: NoticeTrustChanged, SessionID: sessionID, Trusted: trusted})
}

// endSession clears credentials and logs out the most recent session at most
// once, whatever triggered it.
func (c *Coordinator) endSession(reason Reason) {
	had := c.st.authenticated

	c.epoch.Add(1)
	c.disarm()
	c.stopListening()
	c.st.creds = Credentials{}
	c.st.authenticated = false

	if sid := c.lastSession(); sid != "" && sid != c.st.loggedOut {
		if c.st.logoutInFlight {
			c.st.pendingLogout = sid
		} else {
			c.startLogout(sid, reason)
		}
	}

	if had {
		c.notify(Notice{Kind: NoticeLoggedOut, Reason: reason, Message: ReloginMessage})
	}
}

// startLogout issues the only outstanding logout call.
func (c *Coordinator) startLogout(sid string, reason Reason) {
	c.st.logoutInFlight = true
	c.st.loggedOut = sid
	c.log.Info("client.logout", "session_id", sid, "reason", string(reason))
	c.background(func(ctx context.Context) {
		err := c.api.Logout(ctx, sid)
		_ = c.post(evLogoutDone{sessionID: sid, err: err})
	})
}

func (c *Coordinator) onLogoutDone(sessionID string, err error) {
	c.st.logoutInFlight = false
	defer func() {
		next := c.st.pendingLogout
		c.st.pendingLogout = ""
		if next != "" && next != c.st.loggedOut {
			c.startLogout(next, ReasonManual)
		}
	}()
	if err != nil {
		c.log.Warn("client.logout.fail", "session_id", sessionID, "err", err)
	}
	// The server side is best effort; the local record goes either way.
	left, lerr := c.prefs.LeftoverSession(c.ctx)
	if lerr == nil && left == sessionID {
		if err := c.prefs.ClearLeftoverSession(c.ctx); err != nil {
			c.log.Warn("client.prefs.clear.fail", "err", err)
		}
	}
}

func (c *Coordinator) arm(exp time.Time) {
	c.disarm()
	gen := c.st.timerGen
	d := exp.Sub(c.now())
	if d <= 0 {
		c.onExpired(gen)
		return
	}
	c.st.timer = time.AfterFunc(d, func() { _ = c.post(evExpired{gen: gen}) })
}

// disarm stops the timer and invalidates any expiry already queued.
func (c *Coordinator) disarm() {
	if c.st.timer != nil {
		c.st.timer.Stop()
		c.st.timer = nil
	}
	c.st.timerGen++
}

func (c *Coordinator) listen(creds Credentials) {
	if c.listener == nil || creds.SessionID == "" {
		return
	}
	key := creds.SessionID + "\x00" + creds.AccessToken
	if key == c.st.listenKey {
		return
	}
	c.stopListening()

	ctx, cancel := context.WithCancel(c.ctx)
	c.st.listenKey = key
	c.st.listenCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.listener.Listen(ctx, creds.AccessToken, creds.SessionID, c.HandleEnvelope); err != nil && ctx.Err() == nil {
			c.log.Warn("client.realtime.fail", "session_id", creds.SessionID, "err", err)
		}
	}()
}

func (c *Coordinator) stopListening() {
	if c.st.listenCancel != nil {
		c.st.listenCancel()
		c.st.listenCancel = nil
	}
	c.st.listenKey = ""
}

func (c *Coordinator) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.callTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Coordinator) observeSession(sessionID string) {
	if sessionID == "" || c.lastSession() == sessionID {
		return
	}
	c.st.sessions = append(c.st.sessions, sessionID)
}

func (c *Coordinator) lastSession() string {
	if n := len(c.st.sessions); n > 0 {
		return c.st.sessions[n-1]
	}
	return ""
}

func (c *Coordinator) persistTrust(trusted bool) {
	if err := c.prefs.SetTrusted(c.ctx, trusted); err != nil {
		c.log.Warn("client.prefs.save.fail", "err", err)
	}
}

func (c *Coordinator) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log.Warn("client.notice.dropped", "kind", int(n.Kind))
	}
}

func (c *Coordinator) snapshot() Snapshot {
	return Snapshot{
		Authenticated:  c.st.authenticated,
		Username:       c.st.creds.Username,
		Roles:          slices.Clone(c.st.creds.Roles),
		AccessToken:    c.st.creds.AccessToken,
		SessionID:      c.st.creds.SessionID,
		Trusted:        c.st.trusted,
		Sessions:       slices.Clone(c.st.sessions),
		LogoutInFlight: c.st.logoutInFlight,
	}
}
