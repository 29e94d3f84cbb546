package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces anything that must not reach the log stream.
const RedactedValue = "[REDACTED]"

// Bearers, ecash tokens and upstream API keys must never reach the log
// stream. Only these keys are emitted verbatim.
var redactionAllowlist = map[string]struct{}{
	"service":     {},
	"env":         {},
	"message":     {},
	"severity":    {},
	"timestamp":   {},
	"error":       {},
	"reason":      {},
	"component":   {},
	"model":       {},
	"request_id":  {},
	"fingerprint": {},
}

// IsAllowlisted reports whether key may log its value verbatim.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns the allowlisted keys, sorted.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue masks non-empty values. Empty strings pass through so absent
// fields stay recognizably absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog attribute, masking the value unless the key is on
// the allowlist. The key keeps its original casing.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
