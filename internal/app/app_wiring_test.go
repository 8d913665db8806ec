package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aidanwoods.dev/go-paseto"
)

func setSessionEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHATMATE_PASETO_V4_SECRET_KEY_HEX", paseto.NewV4AsymmetricSecretKey().ExportHex())
	t.Setenv("CHATMATE_AUTH_REFRESH_SECRET", strings.Repeat("r", 32))
	t.Setenv("CHATMATE_TOKEN_HMAC_KEY", strings.Repeat("k", 32))
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestApp_InMemoryRoutes(t *testing.T) {
	setSessionEnv(t)

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.RedisAddr = ""
	a := newTestApp(t, cfg)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, body := get(t, srv, "/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}

	if resp, _ := get(t, srv, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}

	resp, body = get(t, srv, "/auth/public-key")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, a.sessions.PublicKeyHex()) {
		t.Fatalf("public key: %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, srv, "/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}

	// Plain GET without upgrade or credentials is refused by the gateway.
	if resp, _ := get(t, srv, "/ws"); resp.StatusCode < 400 {
		t.Fatalf("ws without credentials: %d", resp.StatusCode)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	setSessionEnv(t)

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.ReadinessRequireDB = true
	cfg.MetricsEnabled = false
	a := newTestApp(t, cfg)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if resp, _ := get(t, srv, "/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz without db: %d", resp.StatusCode)
	}
	if resp, _ := get(t, srv, "/metrics"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics disabled: %d", resp.StatusCode)
	}
}

func TestApp_MissingSessionKeysFails(t *testing.T) {
	setSessionEnv(t)
	t.Setenv("CHATMATE_PASETO_V4_SECRET_KEY_HEX", "")

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name    string
		require bool
		key     string
		wantErr bool
		keyed   bool
	}{
		{name: "required and present", require: true, key: strings.Repeat("k", 32), keyed: true},
		{name: "required and missing", require: true, key: "", wantErr: true},
		{name: "required and short", require: true, key: "short", wantErr: true},
		{name: "optional and missing", require: false, key: ""},
		{name: "optional and present", require: false, key: "short", keyed: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CHATMATE_TOKEN_HMAC_KEY", tc.key)
			h, err := ValidateSecurityConfig(Config{RequireTokenHMAC: tc.require})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if err == nil && h.Keyed() != tc.keyed {
				t.Fatalf("Keyed()=%v want %v", h.Keyed(), tc.keyed)
			}
		})
	}
}
