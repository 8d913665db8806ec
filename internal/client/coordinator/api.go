package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Credentials is what a login or refresh hands the client.
type Credentials struct {
	Username    string
	Roles       []int
	AccessToken string
	SessionID   string
	Trusted     bool
}

// Device is one entry of the device list.
type Device struct {
	ID            string    `json:"id"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"userAgent"`
	LastActivity  time.Time `json:"lastActivity"`
	Active        bool      `json:"active"`
	ActiveSession string    `json:"activeSession"`
	PastSessions  []string  `json:"pastSessions"`
	Trusted       bool      `json:"trusted"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Code)
}

// IsAuthError reports whether err is a 401 or 403 from the server. Callers
// treat every such outcome the same way.
func IsAuthError(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden
}

// Client talks to the auth HTTP surface. It keeps the refresh cookie in a jar.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}, nil
}

type loginBody struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Trust          bool   `json:"trust"`
	PriorSessionID string `json:"priorSessionId,omitempty"`
}

type sessionBody struct {
	Roles       []int  `json:"roles"`
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId"`
	Trusted     *bool  `json:"trusted,omitempty"`
}

// Login posts credentials. priorSessionID, if set, is retired by the server.
func (c *Client) Login(ctx context.Context, username, password string, trust bool, priorSessionID string) (Credentials, error) {
	var resp sessionBody
	err := c.do(ctx, http.MethodPost, "/auth", "", loginBody{
		Username:       username,
		Password:       password,
		Trust:          trust,
		PriorSessionID: priorSessionID,
	}, &resp)
	if err != nil {
		return Credentials{}, fmt.Errorf("login: %w", err)
	}
	return Credentials{
		Username:    username,
		Roles:       resp.Roles,
		AccessToken: resp.AccessToken,
		SessionID:   resp.SessionID,
		Trusted:     trust,
	}, nil
}

// Refresh exchanges the stored refresh cookie for new credentials. The
// username is left empty; callers read it from the access token.
func (c *Client) Refresh(ctx context.Context) (Credentials, error) {
	var resp sessionBody
	if err := c.do(ctx, http.MethodGet, "/refresh", "", nil, &resp); err != nil {
		return Credentials{}, fmt.Errorf("refresh: %w", err)
	}
	creds := Credentials{Roles: resp.Roles, AccessToken: resp.AccessToken, SessionID: resp.SessionID}
	if resp.Trusted != nil {
		creds.Trusted = *resp.Trusted
	}
	return creds, nil
}

// Logout ends sessionID and whatever session the refresh cookie belongs to.
func (c *Client) Logout(ctx context.Context, sessionID string) error {
	body := struct {
		PriorSessionID string `json:"priorSessionId,omitempty"`
	}{sessionID}
	if err := c.do(ctx, http.MethodPost, "/logout", "", body, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ForceLogout ends another session by id and closes its live connections.
func (c *Client) ForceLogout(ctx context.Context, sessionID string) error {
	body := struct {
		SessionID string `json:"sessionId"`
	}{sessionID}
	if err := c.do(ctx, http.MethodPost, "/logout/id", "", body, nil); err != nil {
		return fmt.Errorf("logout session: %w", err)
	}
	return nil
}

// PublicKey fetches the hex-encoded key that verifies access tokens.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	var resp struct {
		PublicKeyHex string `json:"publicKeyHex"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/public-key", "", nil, &resp); err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	return resp.PublicKeyHex, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	body := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{username, password}
	if err := c.do(ctx, http.MethodPost, "/register", "", body, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Devices lists the user's devices.
func (c *Client) Devices(ctx context.Context, accessToken, username string) ([]Device, error) {
	var resp struct {
		Devices []Device `json:"devices"`
	}
	path := "/devices?" + url.Values{"username": {username}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}
	return resp.Devices, nil
}

// SetTrust changes a device's trust flag.
func (c *Client) SetTrust(ctx context.Context, accessToken, username, deviceID string, trusted bool) (Device, error) {
	body := struct {
		Username string `json:"username"`
		DeviceID string `json:"deviceId"`
		Trusted  bool   `json:"trusted"`
	}{username, deviceID, trusted}
	var resp struct {
		Device Device `json:"device"`
	}
	if err := c.do(ctx, http.MethodPatch, "/devices/trust", accessToken, body, &resp); err != nil {
		return Device{}, fmt.Errorf("set trust: %w", err)
	}
	return resp.Device, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, result any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &APIError{Status: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &env) == nil {
			ae.Code, ae.Message = env.Error.Code, env.Error.Message
		}
		return ae
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
