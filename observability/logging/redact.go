package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces the value of any attribute whose key names a
// credential.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are matched case-insensitively as substrings of the key, so
// "hmacSecret" and "X-Auth-Token" are both caught.
var sensitiveKeys = []string{
	"authorization",
	"secret",
	"token",
	"password",
	"passphrase",
	"bearer",
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, marker := range sensitiveKeys {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// MaskField builds a string attribute, masking non-empty values of sensitive
// keys.
func MaskField(key, value string) slog.Attr {
	return redactAttr(slog.String(key, value))
}

func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
