// Package identity holds the ChatMate credential store.
//
// A User record carries everything the session layer mutates: the password
// hash, the role set, the set of valid refresh-token hashes, a bounded login
// history and the reconciled device list. Every write goes through Store.Update,
// which is a compare-and-swap on the record version.
package identity
