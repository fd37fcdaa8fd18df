// Package config provides server configuration for chatmesh.
//
// This package defines the server configuration structure and validation:
//
//   - spec.go: ServerConfig struct definition and conversions to component configs
//   - default.go: Default configuration values
//   - verify.go: Validation (addresses, TLS files, secrets, limits)
//   - sanitize.go: Log sanitization (hide sensitive values)
//
// Configuration is loaded via internal/infra/confloader from a YAML file and
// CHATMESH_* environment variables.
package config
