package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when
// logging sensitive data like tokens, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// This is used when deriving well-known discovery URLs and when comparing
// OP host values, where URLs with and without trailing slashes should be
// considered equivalent.
//
// Example:
//
//	NormalizeURL("https://idp.example.com/")   // Returns: "https://idp.example.com"
//	NormalizeURL("https://idp.example.com")    // Returns: "https://idp.example.com"
//	NormalizeURL("https://idp.example.com///") // Returns: "https://idp.example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// EnsureScheme prefixes a URL with "https://" when no scheme is present.
// Host values in RP records are commonly configured without a scheme;
// the broker always assumes HTTPS in that case.
func EnsureScheme(url string) string {
	if strings.Contains(url, "://") {
		return url
	}
	return "https://" + url
}
