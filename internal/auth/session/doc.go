// Package session implements the multi-device session lifecycle.
//
// Login issues a PASETO v4.public access token (username + roles) and a signed
// refresh token whose hash is stored on the user record. Refresh rotates that
// token only for trusted devices and treats an unknown, validly signed token
// as replay: the owner's whole token set is wiped. Logout, forced logout and
// trust changes mutate the same record under a version compare-and-swap and
// reach live connections through a Notifier once the write has committed.
//
// Transport (HTTP/WS) lives in authapi and realtime.
package session
