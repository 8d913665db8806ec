package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoRefreshToken is returned when refresh is attempted without a cookie.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshRejected is wrapped by every refresh rejection.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrRefreshReuseDetected marks a replayed refresh token. The owner's sessions were wiped.
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")

	// ErrUntrustedDevice marks a refresh from a device that may not refresh silently.
	ErrUntrustedDevice = errors.New("device not trusted")

	// ErrSessionNotActive is returned when a session id is not bound to an active login and device.
	ErrSessionNotActive = errors.New("session not active")

	// ErrForbidden is returned when the caller's token names a different user.
	ErrForbidden = errors.New("forbidden")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Refresh rejection reasons, used for audit and metrics only. Clients never see them.
const (
	ReasonReplay           = "replay"
	ReasonOrphaned         = "orphaned"
	ReasonInvalidToken     = "invalid_token"
	ReasonIdentityMismatch = "identity_mismatch"
	ReasonUntrusted        = "untrusted"
	ReasonForged           = "forged"
)

// RefreshRejectedError carries the branch that rejected a refresh.
type RefreshRejectedError struct {
	Reason    string
	SessionID string
	Username  string
	Cause     error
}

func (e RefreshRejectedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v: %s", ErrRefreshRejected, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %v", ErrRefreshRejected, e.Reason, e.Cause)
}

func (e RefreshRejectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRefreshRejected}
	}
	return []error{ErrRefreshRejected, e.Cause}
}

// RejectReason extracts the rejection reason from err, or "".
func RejectReason(err error) string {
	var re RefreshRejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
