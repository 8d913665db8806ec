package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatmate/internal/auth/session"
	"chatmate/internal/identity"
)

// Handler wires the HTTP auth endpoints to the session service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service

	throttle Throttle
	auditor  Auditor
	metrics  *Metrics
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithThrottle replaces the default in-memory login throttle.
func WithThrottle(t Throttle) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.throttle = t
		}
	}
}

// WithAuditor replaces the default log auditor.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.auditor = a
		}
	}
}

// WithMetrics enables auth counters.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, sessions *session.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		cfg:      cfg.normalized(),
		sessions: sessions,
		throttle: NewMemoryThrottle(),
		auditor:  LogAuditor{Log: log},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth", h.handleLogin)
	mux.HandleFunc("/auth/public-key", h.handlePublicKey)
	mux.HandleFunc("/refresh", h.handleRefresh)
	mux.HandleFunc("/logout", h.handleLogout)
	mux.HandleFunc("/logout/id", h.handleLogoutID)
	mux.HandleFunc("/verifyAccess", h.handleVerifyAccess)
	mux.HandleFunc("/devices", h.handleDevices)
	mux.HandleFunc("/devices/trust", h.handleTrust)
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/reset", h.handleReset)
}

type requestContext struct {
	ip        string
	userAgent string
}

func (h *Handler) requestContext(r *http.Request) requestContext {
	return requestContext{
		ip:        clientIP(r, h.cfg.TrustProxy),
		userAgent: identity.NormalizeUserAgent(r.UserAgent()),
	}
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ctx := r.Context()
	rc := h.requestContext(r)
	userKey := userThrottleKey(identity.NormalizeUsername(req.Username))
	ipKey := ipThrottleKey(rc.ip)

	if retry, blocked := h.loginBlocked(ctx, ipKey, userKey); blocked {
		h.audit(ctx, "auth.login.rate_limited", rc, req.Username, "", map[string]any{
			"retry_after_s": int64(retry.Seconds()),
		})
		h.metrics.observe("login", "rate_limited")
		writeRateLimited(w, retry)
		return
	}

	issued, err := h.sessions.Login(ctx, session.LoginInput{
		Username:       req.Username,
		Password:       req.Password,
		Trust:          req.Trust,
		PriorSessionID: strings.TrimSpace(req.PriorSessionID),
		RefreshCookie:  h.refreshTokenFromCookie(r),
		IP:             rc.ip,
		UserAgent:      rc.userAgent,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			h.recordLoginFailure(ctx, ipKey, userKey)
			h.audit(ctx, "auth.login.failed", rc, req.Username, "", nil)
			h.metrics.observe("login", "invalid_credentials")
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		case identity.IsConflict(err):
			h.metrics.observe("login", "conflict")
			writeError(w, http.StatusConflict, "conflict", "concurrent update, retry")
		default:
			h.log.Error("auth.login.fail", "err", err)
			h.metrics.observe("login", "error")
			writeInternal(w)
		}
		return
	}

	if err := h.throttle.Reset(ctx, userKey); err != nil {
		h.log.Warn("auth.login.throttle_reset.fail", "err", err)
	}
	h.audit(ctx, "auth.login.success", rc, issued.Username, issued.SessionID, map[string]any{
		"trusted": issued.Trusted,
	})
	h.metrics.observe("login", "success")
	h.log.Info("auth.login.success", "username", issued.Username, "session_id", issued.SessionID, "trusted", issued.Trusted)

	h.setRefreshCookie(w, issued.RefreshToken, issued.RefreshExp)
	writeJSON(w, http.StatusOK, loginResponse{
		Roles:       issued.Roles,
		AccessToken: issued.AccessToken,
		SessionID:   issued.SessionID,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	rc := h.requestContext(r)
	cookie := h.refreshTokenFromCookie(r)

	issued, err := h.sessions.Refresh(ctx, session.RefreshInput{
		Cookie:    cookie,
		IP:        rc.ip,
		UserAgent: rc.userAgent,
	})

	// The presented cookie is spent unless a lost race left it untouched.
	if err == nil || !identity.IsConflict(err) {
		h.clearRefreshCookie(w)
	}
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoRefreshToken):
			h.metrics.observe("refresh", "no_token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		case errors.Is(err, session.ErrRefreshRejected):
			reason := session.RejectReason(err)
			var re session.RefreshRejectedError
			_ = errors.As(err, &re)
			if errors.Is(err, session.ErrRefreshReuseDetected) {
				h.log.Warn("auth.refresh.reuse_detected", "username", re.Username)
			}
			h.audit(ctx, "auth.refresh.rejected", rc, re.Username, re.SessionID, map[string]any{"reason": reason})
			h.metrics.refreshRejected(reason)
			h.metrics.observe("refresh", "rejected")
			writeError(w, http.StatusForbidden, "refresh_rejected", "forbidden")
		case identity.IsConflict(err):
			h.metrics.observe("refresh", "conflict")
			writeError(w, http.StatusConflict, "conflict", "concurrent update, retry")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			h.metrics.observe("refresh", "error")
			writeInternal(w)
		}
		return
	}

	h.audit(ctx, "auth.refresh.success", rc, issued.Username, issued.SessionID, nil)
	h.metrics.observe("refresh", "success")

	h.setRefreshCookie(w, issued.RefreshToken, issued.RefreshExp)
	writeJSON(w, http.StatusOK, refreshResponse{
		Roles:       issued.Roles,
		AccessToken: issued.AccessToken,
		SessionID:   issued.SessionID,
		Trusted:     issued.Trusted,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Best effort: a missing or malformed body still clears the cookie.
	var req logoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.log.Debug("auth.logout.body_ignored", "err", err)
		req = logoutRequest{}
	}

	ctx := r.Context()
	rc := h.requestContext(r)
	in := session.LogoutInput{
		PriorSessionID: strings.TrimSpace(req.PriorSessionID),
		Cookie:         h.refreshTokenFromCookie(r),
	}
	if err := h.sessions.Logout(ctx, in); err != nil {
		h.log.Error("auth.logout.fail", "err", err, "session_id", in.PriorSessionID)
		h.metrics.observe("logout", "error")
	} else {
		h.metrics.observe("logout", "success")
	}
	h.audit(ctx, "auth.logout", rc, "", in.PriorSessionID, nil)

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req logoutIDRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	sid := strings.TrimSpace(req.SessionID)
	if !identity.IsSessionID(sid) {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}

	ctx := r.Context()
	found, err := h.sessions.ForceLogout(ctx, sid)
	if err != nil {
		if identity.IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
			return
		}
		h.log.Error("auth.logout_id.fail", "err", err, "session_id", sid)
		h.metrics.observe("logout_id", "error")
		writeInternal(w)
		return
	}

	if found {
		h.log.Info("auth.logout_id.forced", "session_id", sid)
		h.audit(ctx, "auth.logout.forced", h.requestContext(r), "", sid, nil)
	}
	h.metrics.observe("logout_id", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Username: claims.Username, Roles: claims.Roles})
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username is required")
		return
	}
	if !h.requireOwner(w, r, username) {
		return
	}

	devices, err := h.sessions.ListDevices(r.Context(), username)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.log.Error("auth.devices.list.fail", "err", err)
		writeInternal(w)
		return
	}

	out := devicesResponse{Devices: make([]deviceResponse, 0, len(devices))}
	for _, d := range devices {
		out.Devices = append(out.Devices, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTrust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req trustRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.Username == "" || req.DeviceID == "" || req.Trusted == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "username, deviceId and trusted are required")
		return
	}
	if !h.requireOwner(w, r, req.Username) {
		return
	}

	ctx := r.Context()
	dev, err := h.sessions.SetTrust(ctx, session.SetTrustInput{
		Username: req.Username,
		DeviceID: req.DeviceID,
		Trusted:  *req.Trusted,
	})
	if err != nil {
		switch {
		case identity.IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "device not found")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "concurrent update, retry")
		default:
			h.log.Error("auth.devices.trust.fail", "err", err)
			writeInternal(w)
		}
		return
	}

	h.audit(ctx, "auth.device.trust_changed", h.requestContext(r), req.Username, dev.ActiveSession, map[string]any{
		"device_id": dev.ID,
		"trusted":   dev.Trusted,
	})
	h.metrics.observe("trust", "success")
	writeJSON(w, http.StatusOK, trustResponse{Device: toDeviceResponse(dev)})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	u, err := h.sessions.Register(ctx, req.Username, req.Password)
	if err != nil {
		switch {
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "username and an acceptable password are required")
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "username_taken", "username already exists")
		default:
			h.log.Error("auth.register.fail", "err", err)
			writeInternal(w)
		}
		return
	}

	h.audit(ctx, "auth.register", h.requestContext(r), u.Username, "", nil)
	h.metrics.observe("register", "success")
	writeJSON(w, http.StatusCreated, registerResponse{Username: u.Username, Roles: u.RoleCodes()})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}
	if !h.requireOwner(w, r, req.Username) {
		return
	}

	ctx := r.Context()
	revoked, err := h.sessions.ResetPassword(ctx, session.ResetInput{Username: req.Username, Password: req.Password})
	if err != nil {
		switch {
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "password rejected")
		case identity.IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "user not found")
		default:
			h.log.Error("auth.reset.fail", "err", err)
			writeInternal(w)
		}
		return
	}

	h.audit(ctx, "auth.password.reset", h.requestContext(r), req.Username, "", map[string]any{
		"sessions_revoked": len(revoked),
	})
	h.metrics.observe("reset", "success")
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, resetResponse{SessionsRevoked: len(revoked)})
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKeyHex: h.sessions.PublicKeyHex()})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	claims, err := h.sessions.VerifyAccess(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return session.AccessClaims{}, false
	}
	return claims, true
}

// requireOwner accepts only a bearer token issued to username.
func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request, username string) bool {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return false
	}
	if identity.NormalizeUsername(claims.Username) != identity.NormalizeUsername(username) {
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
		return false
	}
	return true
}

func (h *Handler) loginBlocked(ctx context.Context, ipKey, userKey string) (retryAfter time.Duration, blocked bool) {
	checks := []struct {
		key   string
		limit int
	}{
		{ipKey, h.cfg.LoginIPMax},
		{userKey, h.cfg.LoginUserMax},
	}
	for _, c := range checks {
		retry, err := h.throttle.Check(ctx, c.key, c.limit)
		if err != nil {
			// Fail open when the counter store is unavailable.
			h.log.Warn("auth.login.throttle_check.fail", "err", err)
			continue
		}
		if retry > 0 {
			return retry, true
		}
	}
	return 0, false
}

func (h *Handler) recordLoginFailure(ctx context.Context, ipKey, userKey string) {
	if err := h.throttle.Record(ctx, ipKey, h.cfg.LoginIPWindow); err != nil {
		h.log.Warn("auth.login.throttle_record.fail", "err", err, "scope", "ip")
	}
	if err := h.throttle.Record(ctx, userKey, h.cfg.LoginUserWindow); err != nil {
		h.log.Warn("auth.login.throttle_record.fail", "err", err, "scope", "user")
	}
}
