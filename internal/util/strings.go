package util

import "strings"

// SafeTruncate returns at most the first n bytes of s, for logging a
// recognizable prefix of a code or token id. A negative n yields "".
func SafeTruncate(s string, n int) string {
	n = max(n, 0)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// NormalizeURL strips trailing slashes, so an issuer compares equal with and
// without one and endpoint paths can be appended directly.
func NormalizeURL(raw string) string {
	return strings.TrimRight(raw, "/")
}
