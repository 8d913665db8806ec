package v1

import "strings"

// HelloPayload carries the credentials of a connection.
type HelloPayload struct {
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId"`
}

// Normalize trims both fields and reports whether both are present.
func (p *HelloPayload) Normalize() bool {
	p.AccessToken = strings.TrimSpace(p.AccessToken)
	p.SessionID = strings.TrimSpace(p.SessionID)
	return p.AccessToken != "" && p.SessionID != ""
}

// HelloAckPayload names the session and user the connection was bound to.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// ForcedLogoutPayload names the session being terminated. An account-wide
// logout carries the username and no session id.
type ForcedLogoutPayload struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username,omitempty"`
}

// TrustChangedPayload is the device's new trust flag.
type TrustChangedPayload struct {
	SessionID string `json:"sessionId"`
	Trusted   bool   `json:"trusted"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
