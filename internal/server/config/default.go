package config

import (
	"path/filepath"
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

// Default configuration values.
const (
	DefaultDataDir     = "/var/lib/chatmesh-server"
	DefaultLocalSocket = "/var/run/chatmesh-server/chatmesh-server.sock"

	DefaultSessionTTL    = 24 * time.Hour
	DefaultSessionIssuer = "chatmesh"

	DefaultShutdownTimeout = 15 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	lim := service.DefaultLimiterConfig()
	policies := make(map[string]service.Policy, len(lim.Policies))
	for action, p := range lim.Policies {
		policies[string(action)] = p
	}

	return &ServerConfig{
		Server: ServerSection{
			Chat:            chatserver.DefaultConfig(),
			HTTP:            httpserver.DefaultConfig(),
			Local:           LocalConfig{Path: DefaultLocalSocket},
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageSection{
			KV: storage.DefaultKVConfig(filepath.Join(DefaultDataDir, "kv")),
		},
		Blob: blob.DefaultConfig(filepath.Join(DefaultDataDir, "files")),
		Security: SecuritySection{
			SessionTTL:           DefaultSessionTTL,
			SessionIssuer:        DefaultSessionIssuer,
			SessionSweepInterval: 5 * time.Minute,
			PasswordPolicy:       domain.DefaultPasswordPolicy(),
		},
		Limits: LimitsSection{
			Policies:         policies,
			FailureThreshold: lim.FailureThreshold,
			FailureWindow:    lim.FailureWindow,
			BanDuration:      lim.BanDuration,
			SweepInterval:    lim.SweepInterval,
		},
		Transfer: service.DefaultTransferConfig(),
		Events:   eventrelay.DefaultConfig(),
		Log: logger.Config{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
