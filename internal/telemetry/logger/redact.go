package logger

import (
	"log/slog"
	"strings"
)

// Sensitive key patterns that should be redacted.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
	"credential",
	"authorization",
	"bearer",
	"api_key",
	"access_key",
}

// redactedValue is the placeholder for redacted sensitive data.
const redactedValue = "***REDACTED***"

// redactSensitive masks session tokens and password hashes wherever they
// appear, and fully redacts non-empty values of sensitive keys.
func redactSensitive(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		strVal := a.Value.String()
		if looksLikeJWT(strVal) {
			return slog.String(a.Key, maskValue(strVal))
		}
		if strings.HasPrefix(strVal, "$argon2") {
			return slog.String(a.Key, redactedValue)
		}
		if strVal != "" && IsSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		newAttrs := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			newAttrs[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(newAttrs...)}
	}

	return a
}

// looksLikeJWT reports whether s has the shape of a compact JWS whose
// header is a JSON object.
func looksLikeJWT(s string) bool {
	return strings.HasPrefix(s, "eyJ") && strings.Count(s, ".") == 2
}

// maskValue partially masks a sensitive value.
// Format: first 6 chars + "..." + last 4 chars
func maskValue(value string) string {
	if len(value) <= 16 {
		return "***"
	}
	return value[:6] + "..." + value[len(value)-4:]
}

// RedactString manually redacts a string value.
// Use this when a token ends up inside a larger message.
func RedactString(value string) string {
	if IsSensitiveValue(value) {
		return maskValue(value)
	}
	return value
}

// IsSensitiveKey checks if a key name suggests sensitive content.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// IsSensitiveValue checks if a value appears to be a session token or a
// password hash.
func IsSensitiveValue(value string) bool {
	return looksLikeJWT(value) || strings.HasPrefix(value, "$argon2")
}
