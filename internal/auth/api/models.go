package authapi

import (
	"time"

	"chatmate/internal/identity"
)

type loginRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Trust          bool   `json:"trust"`
	PriorSessionID string `json:"priorSessionId,omitempty"`
}

type loginResponse struct {
	Roles       []int  `json:"roles"`
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId"`
}

type refreshResponse struct {
	Roles       []int  `json:"roles"`
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId"`
	Trusted     bool   `json:"trusted"`
}

type logoutRequest struct {
	PriorSessionID string `json:"priorSessionId,omitempty"`
}

type logoutIDRequest struct {
	SessionID string `json:"sessionId"`
}

type verifyResponse struct {
	Username string `json:"username"`
	Roles    []int  `json:"roles"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	Username string `json:"username"`
	Roles    []int  `json:"roles"`
}

type resetResponse struct {
	SessionsRevoked int `json:"sessionsRevoked"`
}

type trustRequest struct {
	Username  string `json:"username"`
	DeviceID  string `json:"deviceId"`
	// SessionID is accepted for older clients; the event always goes to the
	// session bound to the device.
	SessionID string `json:"sessionId,omitempty"`
	Trusted   *bool  `json:"trusted"`
}

type deviceResponse struct {
	ID            string    `json:"id"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"userAgent"`
	LastActivity  time.Time `json:"lastActivity"`
	Active        bool      `json:"active"`
	ActiveSession string    `json:"activeSession"`
	PastSessions  []string  `json:"pastSessions"`
	Trusted       bool      `json:"trusted"`
}

type devicesResponse struct {
	Devices []deviceResponse `json:"devices"`
}

type trustResponse struct {
	Device deviceResponse `json:"device"`
}

type publicKeyResponse struct {
	PublicKeyHex string `json:"publicKeyHex"`
}

func toDeviceResponse(d identity.Device) deviceResponse {
	past := d.PastSessions
	if past == nil {
		past = []string{}
	}
	return deviceResponse{
		ID:            d.ID,
		IP:            d.IP,
		UserAgent:     d.UserAgent,
		LastActivity:  d.LastActivity,
		Active:        d.Active,
		ActiveSession: d.ActiveSession,
		PastSessions:  past,
		Trusted:       d.Trusted,
	}
}
