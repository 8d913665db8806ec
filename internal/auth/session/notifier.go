package session

// Notifier reaches live realtime connections. Calls must not block and are
// made only after the corresponding write has been persisted.
type Notifier interface {
	// NotifyForcedLogout tells every connection of sessionID to log out and closes them.
	NotifyForcedLogout(sessionID string)
	// NotifyAccountLogout tells every connection of username to log out and closes them.
	NotifyAccountLogout(username string)
	// NotifyTrustChanged tells the connections of sessionID their device trust changed.
	NotifyTrustChanged(sessionID string, trusted bool)
}

type noopNotifier struct{}

func (noopNotifier) NotifyForcedLogout(string)        {}
func (noopNotifier) NotifyAccountLogout(string)       {}
func (noopNotifier) NotifyTrustChanged(string, bool) {}
