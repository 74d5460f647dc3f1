package util

import "fmt"

// TruncateLog truncates long strings for logging.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateReason bounds a failure summary to maxLen runes, appending an
// ellipsis when cut. Unlike TruncateLog it cuts on rune boundaries so
// multi-byte upstream messages stay valid UTF-8.
func TruncateReason(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
