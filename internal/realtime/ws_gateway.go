package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chatmate/internal/auth/session"
	v1 "chatmate/internal/contracts/realtime/v1"
)

// Authorizer checks that an access token belongs to a user whose sessionID
// is bound to an active login and device.
type Authorizer interface {
	AuthorizeSession(ctx context.Context, accessToken, sessionID string) (session.AccessClaims, error)
}

var errNoHello = errors.New("no valid hello")

var (
	_ Authorizer       = (*session.Service)(nil)
	_ session.Notifier = (*Hub)(nil)
)

// WSGateway is the websocket entrypoint for server-pushed session events.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// authorizes each connection against persisted session state and places it in
// the Hub's rooms.
type WSGateway struct {
	log  *slog.Logger
	hub  *Hub
	auth Authorizer
	cfg  Config

	// websocket.Accept authorizes same-host origins itself; cross-origin
	// requests need OriginPatterns derived from the allowlist.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, auth Authorizer, cfg Config) (*WSGateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authorizer")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = helloTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}

	return &WSGateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and keeps the connection until the peer
// leaves or the session is logged out.
//
// Credentials come either from the query (accessToken, sessionId; the token
// may also be a bearer header) and are checked before the upgrade, or from a
// first hello envelope.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.hub.metrics.rejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	creds, preAuth := handshakeCredentials(r)
	var claims session.AccessClaims
	if preAuth {
		c, err := g.auth.AuthorizeSession(r.Context(), creds.AccessToken, creds.SessionID)
		if err != nil {
			status, reason := authFailure(err)
			g.log.Info("ws.reject.auth", "err", err, "session_id", creds.SessionID, "remote", r.RemoteAddr)
			g.hub.metrics.rejected(reason)
			http.Error(w, http.StatusText(status), status)
			return
		}
		claims = c
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !preAuth {
		creds, claims, err = g.awaitHello(ctx, conn)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "session_id", creds.SessionID, "remote", r.RemoteAddr)
			_, reason := authFailure(err)
			g.hub.metrics.rejected(reason)
			g.writeErrorNow(ctx, conn, "unauthorized", "unauthorized")
			_ = conn.Close(closeUnauthorized, "unauthorized")
			return
		}
	}

	client := NewClient(claims.Username, creds.SessionID, g.cfg.SendQueueSize)
	g.hub.Join(client)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// A forced logout committed between authorization and Join was broadcast
	// to an empty room; re-check now that the connection is reachable.
	if _, err := g.auth.AuthorizeSession(ctx, creds.AccessToken, creds.SessionID); err != nil {
		g.log.Info("ws.reject.auth_recheck", "err", err, "session_id", creds.SessionID)
		g.hub.metrics.rejected("session_inactive")
		g.writeErrorNow(ctx, conn, "unauthorized", "unauthorized")
		shutdown(closeUnauthorized, "unauthorized")
		return
	}

	now := time.Now().UTC()
	ack, err := v1.New(v1.TypeHelloAck, NewEnvelopeID(now), now, v1.HelloAckPayload{
		SessionID: client.SessionID,
		Username:  client.Username,
	})
	if err != nil {
		g.log.Error("ws.hello_ack.encode.fail", "err", err, "session_id", client.SessionID)
		g.writeErrorNow(ctx, conn, "internal", "internal error")
		shutdown(websocket.StatusInternalError, "internal error")
		return
	}
	client.Offer(ack)
	g.log.Info("ws.connect", "session_id", client.SessionID, "username", client.Username)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, client, shutdown)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			g.trySendError(client, "already_authenticated", "connection already authenticated")
		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "session_id", client.SessionID)
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-client.Kicked():
			// Flush what is queued (forced_logout in particular) before closing.
		drain:
			for {
				select {
				case env := <-client.Send:
					if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
						shutdown(websocket.StatusAbnormalClosure, "write failed")
						return
					}
				default:
					break drain
				}
			}
			shutdown(closeLoggedOut, "logged out")
			return
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// awaitHello reads the first envelope, which must be a hello carrying credentials.
func (g *WSGateway) awaitHello(ctx context.Context, conn *websocket.Conn) (v1.HelloPayload, session.AccessClaims, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return v1.HelloPayload{}, session.AccessClaims{}, fmt.Errorf("%w: %v", errNoHello, err)
	}
	if err := env.Validate(); err != nil {
		return v1.HelloPayload{}, session.AccessClaims{}, fmt.Errorf("%w: %v", errNoHello, err)
	}
	if env.Type != v1.TypeHello {
		return v1.HelloPayload{}, session.AccessClaims{}, fmt.Errorf("%w: got %s", errNoHello, env.Type)
	}

	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return v1.HelloPayload{}, session.AccessClaims{}, fmt.Errorf("%w: %v", errNoHello, err)
	}
	if !p.Normalize() {
		return p, session.AccessClaims{}, fmt.Errorf("%w: accessToken and sessionId are required", errNoHello)
	}

	claims, err := g.auth.AuthorizeSession(ctx, p.AccessToken, p.SessionID)
	if err != nil {
		return p, session.AccessClaims{}, err
	}
	return p, claims, nil
}

func handshakeCredentials(r *http.Request) (v1.HelloPayload, bool) {
	q := r.URL.Query()
	p := v1.HelloPayload{
		AccessToken: q.Get("accessToken"),
		SessionID:   q.Get("sessionId"),
	}
	if strings.TrimSpace(p.AccessToken) == "" {
		if v := strings.TrimSpace(r.Header.Get("Authorization")); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			p.AccessToken = v[7:]
		}
	}
	ok := p.Normalize()
	return p, ok
}

// authFailure maps an authorization error to an HTTP status and a metrics reason.
func authFailure(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, session.ErrSessionNotActive):
		return http.StatusUnauthorized, "session_inactive"
	case errors.Is(err, errNoHello):
		return http.StatusUnauthorized, "hello_missing"
	default:
		return http.StatusServiceUnavailable, "error"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	now := time.Now().UTC()
	env, err := v1.New(v1.TypeError, NewEnvelopeID(now), now, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = client.Offer(env)
}

// writeErrorNow writes an error envelope directly, for connections that never got a writer.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	now := time.Now().UTC()
	env, err := v1.New(v1.TypeError, NewEnvelopeID(now), now, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, unique hosts of
// the allowlist; websocket.Accept matches them with filepath.Match, so "*"
// passes through as a wildcard.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
