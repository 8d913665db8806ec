package realtime

import "time"

// Inbound traffic is limited to the handshake, so frames stay small.
const maxFrameBytes = 16 << 10 // 16 KiB

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// helloTimeout bounds how long an accepted but unauthenticated connection may stay open.
	helloTimeout = 10 * time.Second

	// Per-connection rate limits (inbound events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)

// Close codes sent to clients. 4000-4999 are reserved for applications.
const (
	closeUnauthorized = 4001
	closeLoggedOut    = 4002
)
