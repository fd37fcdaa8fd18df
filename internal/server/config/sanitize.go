package config

import (
	"strings"

	"github.com/yndnr/chatmesh-go/internal/core/service"
)

// Sanitize returns a copy of the config with sensitive fields masked.
//
// This is used for logging configuration without exposing secrets.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg

	sanitized.Security.SessionSecret = maskSecret(sanitized.Security.SessionSecret)
	sanitized.Storage.DirectMessageKey = maskSecret(sanitized.Storage.DirectMessageKey)
	sanitized.Blob.S3.SecretKey = maskSecret(sanitized.Blob.S3.SecretKey)

	// Policies is a map; copy it so callers cannot mutate the original.
	if cfg.Limits.Policies != nil {
		sanitized.Limits.Policies = make(map[string]service.Policy, len(cfg.Limits.Policies))
		for k, v := range cfg.Limits.Policies {
			sanitized.Limits.Policies[k] = v
		}
	}
	return &sanitized
}

// maskSecret masks a secret value for safe logging. Empty stays empty.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
