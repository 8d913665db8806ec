// Package main provides a CI-friendly smoke test for the chatmate auth and
// realtime surface.
//
// It validates:
//   - register (idempotent) + login over HTTP
//   - handshake + subprotocol selection
//   - hello/hello_ack session binding
//   - trust_changed push after a device trust toggle
//   - forced_logout push followed by close code 4002
//   - reconnect with the revoked session is refused before upgrade
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"chatmate/internal/client/coordinator"
	v1 "chatmate/internal/contracts/realtime/v1"
)

const (
	maxReadBytes     = 1 << 20 // 1MiB
	closeLoggedOut   = websocket.StatusCode(4002)
	defaultSmokeUser = "smoke"
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		wsPath   = flag.String("ws-path", "/ws", "WebSocket path")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		username = flag.String("user", defaultSmokeUser, "Account to register/login")
		pass     = flag.String("password", "smoke-Passw0rd!", "Account password")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := deriveWSURL(*baseURL, *wsPath)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	api, err := coordinator.NewClient(*baseURL)
	if err != nil {
		fatalf("api client: %v", err)
	}
	admin, err := coordinator.NewClient(*baseURL)
	if err != nil {
		fatalf("api client: %v", err)
	}

	mustRegister(root, api, *username, *pass, *timeout)
	creds := mustLogin(root, api, *username, *pass, *timeout)
	if *verbose {
		fmt.Printf("login: user=%s session=%s trusted=%v\n", creds.Username, creds.SessionID, creds.Trusted)
	}

	a := mustConnect(root, "A", wsURL, *origin, creds, *timeout)
	defer closeWS(a.conn)

	deviceID := mustFindDevice(root, api, creds, *timeout)
	mustSetTrust(root, api, creds, deviceID, true, *timeout)
	mustAssertTrustChanged(root, a, creds.SessionID, true, *timeout)
	if *verbose {
		fmt.Printf("trust_changed: device=%s\n", deviceID)
	}

	mustForceLogout(root, admin, creds.SessionID, *timeout)
	mustAssertForcedLogout(root, a, creds.SessionID, *timeout)
	mustAssertClosed(root, a, closeLoggedOut, *timeout)

	mustRejectReconnect(root, wsURL, *origin, creds, *timeout)

	fmt.Printf("OK: user=%s session=%s device=%s\n", creds.Username, creds.SessionID, deviceID)
}

func deriveWSURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/" + strings.TrimPrefix(path, "/")
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustRegister(parent context.Context, api *coordinator.Client, username, pass string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	err := api.Register(ctx, username, pass)
	var ae *coordinator.APIError
	if err != nil && !(errors.As(err, &ae) && ae.Status == http.StatusConflict) {
		fatalf("register: %v", err)
	}
}

func mustLogin(parent context.Context, api *coordinator.Client, username, pass string, stepTimeout time.Duration) coordinator.Credentials {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	creds, err := api.Login(ctx, username, pass, false, "")
	if err != nil {
		fatalf("login: %v", err)
	}
	if strings.TrimSpace(creds.SessionID) == "" || strings.TrimSpace(creds.AccessToken) == "" {
		fatalf("login returned empty credentials")
	}
	return creds
}

func mustFindDevice(parent context.Context, api *coordinator.Client, creds coordinator.Credentials, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	devices, err := api.Devices(ctx, creds.AccessToken, creds.Username)
	if err != nil {
		fatalf("devices: %v", err)
	}
	for _, d := range devices {
		if d.ActiveSession == creds.SessionID {
			if !d.Active {
				fatalf("device %s for live session is inactive", d.ID)
			}
			return d.ID
		}
	}
	fatalf("no device bound to session %s (%d devices)", creds.SessionID, len(devices))
	return ""
}

func mustSetTrust(parent context.Context, api *coordinator.Client, creds coordinator.Credentials, deviceID string, trusted bool, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	d, err := api.SetTrust(ctx, creds.AccessToken, creds.Username, deviceID, trusted)
	if err != nil {
		fatalf("set trust: %v", err)
	}
	if d.Trusted != trusted {
		fatalf("set trust: device reports trusted=%v want %v", d.Trusted, trusted)
	}
}

func mustForceLogout(parent context.Context, api *coordinator.Client, sessionID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := api.ForceLogout(ctx, sessionID); err != nil {
		fatalf("logout/id: %v", err)
	}
}

func dialOptions(origin string) *websocket.DialOptions {
	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	return &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	}
}

func mustConnect(parent context.Context, name, wsURL, origin string, creds coordinator.Credentials, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, dialOptions(origin))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHello,
		ID:   fmt.Sprintf("%s-hello", name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{
			AccessToken: creds.AccessToken,
			SessionID:   creds.SessionID,
		}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := ack.Decode(&p); err != nil {
		fatalf("decode hello_ack payload (%s): %v", name, err)
	}
	if p.SessionID != creds.SessionID {
		fatalf("hello_ack session mismatch (%s): got=%q want=%q", name, p.SessionID, creds.SessionID)
	}
	if p.Username != creds.Username {
		fatalf("hello_ack username mismatch (%s): got=%q want=%q", name, p.Username, creds.Username)
	}
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.errCh <- err
				return
			}
			if mt != websocket.MessageText {
				c.errCh <- fmt.Errorf("unsupported message type: %v", mt)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

func mustAssertTrustChanged(parent context.Context, c *smokeClient, sessionID string, trusted bool, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeTrustChanged, stepTimeout)

	var p v1.TrustChangedPayload
	if err := env.Decode(&p); err != nil {
		fatalf("decode trust_changed payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID || p.Trusted != trusted {
		fatalf("trust_changed mismatch (%s): got=%+v", c.name, p)
	}
}

func mustAssertForcedLogout(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeForcedLogout, stepTimeout)

	var p v1.ForcedLogoutPayload
	if err := env.Decode(&p); err != nil {
		fatalf("decode forced_logout payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("forced_logout session mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
}

func mustAssertClosed(parent context.Context, c *smokeClient, want websocket.StatusCode, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close %d (%s)", want, c.name)
		case err := <-c.errCh:
			if got := websocket.CloseStatus(err); got != want {
				fatalf("close status mismatch (%s): got=%d want=%d err=%v", c.name, got, want, err)
			}
			return
		case env, ok := <-c.inbox:
			if ok && env.Type != v1.TypeForcedLogout {
				fatalf("unexpected %s before close (%s)", env.Type, c.name)
			}
		}
	}
}

func mustRejectReconnect(parent context.Context, wsURL, origin string, creds coordinator.Credentials, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse ws url: %v", err)
	}
	q := u.Query()
	q.Set("accessToken", creds.AccessToken)
	q.Set("sessionId", creds.SessionID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), dialOptions(origin))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		closeWS(conn)
		fatalf("reconnect with revoked session was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("reconnect: expected 401, got %d (%v)", status, err)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
