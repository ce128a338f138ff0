package server

import (
	"slices"
	"strings"
)

// ScopeWildcard as a client scope allows any requested scope.
const ScopeWildcard = "*"

// SplitScope splits a space-delimited scope string into its tokens.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// JoinScope joins scope tokens with single spaces.
func JoinScope(tokens []string) string {
	return strings.Join(tokens, " ")
}

// ValidateScope reports whether every requested token is in clientScope.
// A client scope of "*" allows everything.
func ValidateScope(clientScope, requestedScope string) bool {
	if strings.TrimSpace(clientScope) == ScopeWildcard {
		return true
	}
	allowed := SplitScope(clientScope)
	for _, token := range SplitScope(requestedScope) {
		if !slices.Contains(allowed, token) {
			return false
		}
	}
	return true
}

// MergeScope intersects two scopes. An empty or "*" side yields the other
// side unchanged; otherwise the result keeps the order of a. The second
// result is false when two non-empty scopes have nothing in common.
func MergeScope(a, b string) (string, bool) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" || a == ScopeWildcard:
		return b, true
	case b == "" || b == ScopeWildcard:
		return a, true
	}

	other := SplitScope(b)
	var out []string
	for _, token := range SplitScope(a) {
		if slices.Contains(other, token) && !slices.Contains(out, token) {
			out = append(out, token)
		}
	}
	if len(out) == 0 {
		return "", false
	}
	return JoinScope(out), true
}

// ScopeContainsAny reports whether scope contains any of tokens.
func ScopeContainsAny(scope string, tokens ...string) bool {
	held := SplitScope(scope)
	for _, t := range tokens {
		if slices.Contains(held, t) {
			return true
		}
	}
	return false
}

// unionScope returns a followed by the tokens of b not already in a.
func unionScope(a, b string) string {
	out := SplitScope(a)
	for _, token := range SplitScope(b) {
		if !slices.Contains(out, token) {
			out = append(out, token)
		}
	}
	return JoinScope(out)
}
