// Package coordinator keeps a client's session alive or ends it.
//
// A Coordinator owns the current credentials and reacts to token expiry,
// server-pushed forced logouts, trust changes and manual logouts from a single
// event loop, so overlapping triggers never issue more than one outbound
// logout at a time.
package coordinator
