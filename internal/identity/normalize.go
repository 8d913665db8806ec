package identity

import "strings"

// NormalizeUsername performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeUserAgent trims the client signature and caps its length so that
// device keys stay bounded.
func NormalizeUserAgent(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxUserAgentBytes {
		s = strings.ToValidUTF8(s[:maxUserAgentBytes], "")
	}
	return s
}

const maxUserAgentBytes = 512
