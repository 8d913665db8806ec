package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	"chatmate/internal/auth/session"
	v1 "chatmate/internal/contracts/realtime/v1"
	"chatmate/internal/identity"
	"chatmate/internal/security/password"
	"chatmate/internal/security/token"
)

const gatewayTestPassword = "correct horse battery"

type gatewayHarness struct {
	srv *httptest.Server
	hub *Hub
	svc *session.Service
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log, NewMetrics(nil))

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	scfg.RefreshSecret = strings.Repeat("r", 32)

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	svc, err := session.NewService(scfg, identity.NewMemoryStore(identity.DefaultLoginCapacity), pw,
		token.NewHasher([]byte(strings.Repeat("k", 32))), session.WithNotifier(hub))
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}

	gw, err := NewWSGateway(log, hub, svc, Config{
		OriginRequired: false,
		HelloTimeout:   2 * time.Second,
		HeartbeatEvery: time.Minute,
		RateEvents:     5,
		RateWindow:     time.Minute,
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gatewayHarness{srv: srv, hub: hub, svc: svc}
}

func (h *gatewayHarness) login(t *testing.T, username string) session.Issued {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.Register(ctx, username, gatewayTestPassword); err != nil && !identity.IsConflict(err) {
		t.Fatalf("Register: %v", err)
	}
	iss, err := h.svc.Login(ctx, session.LoginInput{
		Username:  username,
		Password:  gatewayTestPassword,
		Trust:     true,
		IP:        "10.0.0.7",
		UserAgent: "chatmate-test/1.0",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return iss
}

func (h *gatewayHarness) wsURL(q url.Values) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (h *gatewayHarness) dial(t *testing.T, q url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, h.wsURL(q), &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
}

func credentialsQuery(iss session.Issued) url.Values {
	return url.Values{"accessToken": {iss.AccessToken}, "sessionId": {iss.SessionID}}
}

func readEnv(t *testing.T, c *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, data)
	}
	return env
}

func expectClose(t *testing.T, c *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != want {
				t.Fatalf("close status: got %d want %d (err=%v)", got, want, err)
			}
			return
		}
		t.Logf("ignoring frame before close: %s", data)
	}
}

func writeEnv(t *testing.T, c *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWSGateway_QueryAuthAcks(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "alice")

	c, _, err := h.dial(t, credentialsQuery(iss))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()

	if c.Subprotocol() != v1.Subprotocol {
		t.Fatalf("subprotocol: got %q", c.Subprotocol())
	}

	env := readEnv(t, c)
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("type: got %q want %q", env.Type, v1.TypeHelloAck)
	}
	var ack v1.HelloAckPayload
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ack.SessionID != iss.SessionID || ack.Username != "alice" {
		t.Fatalf("ack: %+v", ack)
	}
	if got := h.hub.Connections(iss.SessionID); got != 1 {
		t.Fatalf("connections: got %d want 1", got)
	}
}

func TestWSGateway_RejectsBadCredentialsBeforeUpgrade(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "alice")

	other, err := identity.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	cases := []struct {
		name string
		q    url.Values
	}{
		{"garbage token", url.Values{"accessToken": {"v4.public.nope"}, "sessionId": {iss.SessionID}}},
		{"unknown session", url.Values{"accessToken": {iss.AccessToken}, "sessionId": {other}}},
		{"malformed session", url.Values{"accessToken": {iss.AccessToken}, "sessionId": {"not-a-ulid"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, resp, err := h.dial(t, tc.q)
			if err == nil {
				_ = c.CloseNow()
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
			}
		})
	}
}

func TestWSGateway_HelloAuth(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "bob")

	c, _, err := h.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()

	writeEnv(t, c, testEnvelope(t, v1.TypeHello, v1.HelloPayload{AccessToken: iss.AccessToken, SessionID: iss.SessionID}))

	if env := readEnv(t, c); env.Type != v1.TypeHelloAck {
		t.Fatalf("type: got %q want %q", env.Type, v1.TypeHelloAck)
	}

	// A second hello is refused without dropping the connection.
	writeEnv(t, c, testEnvelope(t, v1.TypeHello, v1.HelloPayload{AccessToken: iss.AccessToken, SessionID: iss.SessionID}))
	env := readEnv(t, c)
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != v1.TypeError || p.Code != "already_authenticated" {
		t.Fatalf("got %q %+v", env.Type, p)
	}
}

func TestWSGateway_HelloWithBadTokenCloses(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "bob")

	c, _, err := h.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()

	writeEnv(t, c, testEnvelope(t, v1.TypeHello, v1.HelloPayload{AccessToken: "v4.public.nope", SessionID: iss.SessionID}))

	env := readEnv(t, c)
	if env.Type != v1.TypeError {
		t.Fatalf("type: got %q want error", env.Type)
	}
	expectClose(t, c, closeUnauthorized)
}

func TestWSGateway_ForcedLogoutDeliversThenCloses(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "carol")

	c, _, err := h.dial(t, credentialsQuery(iss))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	readEnv(t, c) // hello_ack

	found, err := h.svc.ForceLogout(context.Background(), iss.SessionID)
	if err != nil || !found {
		t.Fatalf("ForceLogout: found=%v err=%v", found, err)
	}

	env := readEnv(t, c)
	if env.Type != v1.TypeForcedLogout {
		t.Fatalf("type: got %q want %q", env.Type, v1.TypeForcedLogout)
	}
	var p v1.ForcedLogoutPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.SessionID != iss.SessionID {
		t.Fatalf("payload session: got %q want %q", p.SessionID, iss.SessionID)
	}
	expectClose(t, c, closeLoggedOut)

	// The session no longer authorizes a new connection.
	if c2, resp, err := h.dial(t, credentialsQuery(iss)); err == nil {
		_ = c2.CloseNow()
		t.Fatal("reconnect after forced logout should fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reconnect: expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_TrustChangedPushed(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "dave")

	c, _, err := h.dial(t, credentialsQuery(iss))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	readEnv(t, c) // hello_ack

	ctx := context.Background()
	devices, err := h.svc.ListDevices(ctx, "dave")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	var deviceID string
	for _, d := range devices {
		if d.ActiveSession == iss.SessionID {
			deviceID = d.ID
		}
	}
	if deviceID == "" {
		t.Fatalf("no device bound to %s: %+v", iss.SessionID, devices)
	}

	if _, err := h.svc.SetTrust(ctx, session.SetTrustInput{Username: "dave", DeviceID: deviceID, Trusted: false}); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}

	env := readEnv(t, c)
	if env.Type != v1.TypeTrustChanged {
		t.Fatalf("type: got %q want %q", env.Type, v1.TypeTrustChanged)
	}
	var p v1.TrustChangedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.SessionID != iss.SessionID || p.Trusted {
		t.Fatalf("payload: %+v", p)
	}
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	h := newGatewayHarness(t)
	iss := h.login(t, "erin")

	c, _, err := h.dial(t, credentialsQuery(iss))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	readEnv(t, c) // hello_ack

	ping := testEnvelope(t, "ping", struct{}{})
	for i := 0; i < 6; i++ {
		writeEnv(t, c, ping)
	}
	expectClose(t, c, websocket.StatusPolicyViolation)
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := NewWSGateway(log, NewHub(log, nil), authorizerFunc(nil), Config{
		OriginRequired: true,
		AllowedOrigins: []string{"https://app.example.com", "http://localhost:5173"},
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"https://app.example.com", true},
		{"https://APP.example.com:8443", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := gw.enforceOrigin(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	gw.HandleWS(rr, r)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status: got %d want 403", rr.Code)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"https://b.example.com", "http://a.example.com:8080", " ", "https://b.example.com", "*",
	})
	want := []string{"*", "a.example.com", "b.example.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestHandshakeCredentials(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?sessionId=%20sid%20", nil)
	r.Header.Set("Authorization", "Bearer tok")
	p, ok := handshakeCredentials(r)
	if !ok || p.AccessToken != "tok" || p.SessionID != "sid" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, ok := handshakeCredentials(r); ok {
		t.Fatal("no credentials should fall back to hello")
	}
}

// authorizerFunc adapts a function to Authorizer.
type authorizerFunc func(ctx context.Context, accessToken, sessionID string) (session.AccessClaims, error)

func (f authorizerFunc) AuthorizeSession(ctx context.Context, accessToken, sessionID string) (session.AccessClaims, error) {
	if f == nil {
		return session.AccessClaims{}, session.ErrInvalidToken
	}
	return f(ctx, accessToken, sessionID)
}
