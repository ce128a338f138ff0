package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than limit", input: "abc", maxLen: 8, want: "abc"},
		{name: "equal to limit", input: "abcdefgh", maxLen: 8, want: "abcdefgh"},
		{name: "longer than limit", input: "3f9a1c7e-code-value", maxLen: 8, want: "3f9a1c7e"},
		{name: "zero limit", input: "abc", maxLen: 0, want: ""},
		{name: "negative limit", input: "abc", maxLen: -1, want: ""},
		{name: "empty input", input: "", maxLen: 8, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://auth.example.com/", "https://auth.example.com"},
		{"https://auth.example.com", "https://auth.example.com"},
		{"https://auth.example.com///", "https://auth.example.com"},
		{"https://example.com/oauth/", "https://example.com/oauth"},
		{"https://example.com:8443/", "https://example.com:8443"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
