package config

import (
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/infra/eventrelay"
	"github.com/yndnr/chatmesh-go/internal/server/chatserver"
	"github.com/yndnr/chatmesh-go/internal/server/httpserver"
	"github.com/yndnr/chatmesh-go/internal/storage"
	"github.com/yndnr/chatmesh-go/internal/storage/blob"
	"github.com/yndnr/chatmesh-go/internal/telemetry/logger"
)

// ServerConfig is the root configuration for chatmesh-server.
type ServerConfig struct {
	Server   ServerSection          `koanf:"server"`
	Storage  StorageSection         `koanf:"storage"`
	Blob     blob.Config            `koanf:"blob"`
	Security SecuritySection        `koanf:"security"`
	Limits   LimitsSection          `koanf:"limits"`
	Transfer service.TransferConfig `koanf:"transfer"`
	Events   eventrelay.Config      `koanf:"events"`
	Log      logger.Config          `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	Chat  chatserver.Config `koanf:"chat"`
	HTTP  httpserver.Config `koanf:"http"`
	Local LocalConfig       `koanf:"local"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LocalConfig configures the local management socket.
type LocalConfig struct {
	// Path is the Unix socket path. Empty disables the socket.
	Path string `koanf:"path"`
}

// StorageSection configures persistence.
type StorageSection struct {
	KV storage.KVConfig `koanf:"kv"`

	// DirectMessageKey encrypts direct message content at rest.
	DirectMessageKey string `koanf:"direct_message_key"`
}

// SecuritySection configures sessions, passwords and TLS.
type SecuritySection struct {
	// SessionSecret signs session tokens. When empty a random secret is
	// generated at startup and sessions do not survive a restart.
	SessionSecret        string        `koanf:"session_secret"`
	SessionTTL           time.Duration `koanf:"session_ttl"`
	SessionIssuer        string        `koanf:"session_issuer"`
	SessionSweepInterval time.Duration `koanf:"session_sweep_interval"`

	PasswordPolicy domain.PasswordPolicy `koanf:"password_policy"`

	// TLSCertFile and TLSKeyFile serve server.chat.tls_address.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
}

// LimitsSection configures the rate limiter.
type LimitsSection struct {
	// Policies are keyed by action name (login, message, file-upload,
	// room-creation, registration).
	Policies map[string]service.Policy `koanf:"policies"`

	FailureThreshold int           `koanf:"failure_threshold"`
	FailureWindow    time.Duration `koanf:"failure_window"`
	BanDuration      time.Duration `koanf:"ban_duration"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
}

// LimiterConfig converts the section to a service.LimiterConfig. Actions
// missing from Policies keep their defaults.
func (l LimitsSection) LimiterConfig() service.LimiterConfig {
	policies := service.DefaultPolicies()
	for name, p := range l.Policies {
		policies[service.Action(name)] = p
	}
	return service.LimiterConfig{
		Policies:         policies,
		FailureThreshold: l.FailureThreshold,
		FailureWindow:    l.FailureWindow,
		BanDuration:      l.BanDuration,
		SweepInterval:    l.SweepInterval,
	}
}

// SessionConfig converts the section to a service.SessionConfig using
// secret as the signing key.
func (s SecuritySection) SessionConfig(secret []byte) service.SessionConfig {
	return service.SessionConfig{
		Secret:        secret,
		TTL:           s.SessionTTL,
		Issuer:        s.SessionIssuer,
		SweepInterval: s.SessionSweepInterval,
	}
}
