// Package token hashes refresh tokens for server-side storage.
//
// Stored values are 64-char hex digests. With a key configured the digest is
// HMAC-SHA256(token, key); without one it falls back to SHA-256(token), which
// the app only permits outside production.
package token
