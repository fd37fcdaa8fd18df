package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/storage/blob"
	"github.com/yndnr/chatmesh-go/internal/telemetry/logger"
)

// minSessionSecret is the shortest accepted signing secret.
const minSessionSecret = 16

// Verify validates the configuration. All problems are reported together.
func Verify(cfg *ServerConfig) error {
	return errors.Join(
		verifyServer(cfg),
		verifyStorage(&cfg.Storage),
		verifyBlob(&cfg.Blob),
		verifySecurity(&cfg.Security),
		verifyLimits(&cfg.Limits),
		verifyTransfer(&cfg.Transfer),
		verifyEvents(cfg),
		verifyLog(cfg),
	)
}

func verifyServer(cfg *ServerConfig) error {
	var errs []error
	chat := &cfg.Server.Chat

	if chat.Address == "" && chat.TLSAddress == "" {
		errs = append(errs, errors.New("server.chat: address or tls_address is required"))
	}
	addrs := map[string]string{}
	check := func(name, addr string) {
		if addr == "" {
			return
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid address %q: %w", name, addr, err))
			return
		}
		if other, dup := addrs[addr]; dup {
			errs = append(errs, fmt.Errorf("%s: address %s already used by %s", name, addr, other))
		}
		addrs[addr] = name
	}
	check("server.chat.address", chat.Address)
	check("server.chat.tls_address", chat.TLSAddress)
	check("server.http.address", cfg.Server.HTTP.Address)

	if chat.TLSAddress != "" || cfg.Server.HTTP.TLS {
		if cfg.Security.TLSCertFile == "" || cfg.Security.TLSKeyFile == "" {
			errs = append(errs, errors.New("server.chat.tls_address and server.http.tls require security.tls_cert_file and security.tls_key_file"))
		} else {
			errs = append(errs, fileExists("security.tls_cert_file", cfg.Security.TLSCertFile))
			errs = append(errs, fileExists("security.tls_key_file", cfg.Security.TLSKeyFile))
		}
	}
	if chat.MaxFrameSize < 0 || chat.OutboundQueue < 0 || chat.MaxConnections < 0 {
		errs = append(errs, errors.New("server.chat: sizes must not be negative"))
	}
	if chat.AcceptRate < 0 || chat.AcceptBurst < 0 {
		errs = append(errs, errors.New("server.chat: accept_rate and accept_burst must not be negative"))
	}
	if cfg.Server.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("server.http.rate_limit must not be negative"))
	}
	errs = append(errs, verifyIPList("server.http.admin_allow_list", cfg.Server.HTTP.AdminAllowList))
	errs = append(errs, verifyIPList("server.http.trusted_proxies", cfg.Server.HTTP.TrustedProxies))
	return errors.Join(errs...)
}

func verifyIPList(key string, entries []string) error {
	var errs []error
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		} else if net.ParseIP(entry) == nil {
			errs = append(errs, fmt.Errorf("%s: invalid IP %q", key, entry))
		}
	}
	return errors.Join(errs...)
}

func verifyStorage(cfg *StorageSection) error {
	switch cfg.KV.Engine {
	case "", "badger":
		if cfg.KV.Dir == "" {
			return errors.New("storage.kv.dir is required for the badger engine")
		}
		if err := os.MkdirAll(cfg.KV.Dir, 0o750); err != nil {
			return fmt.Errorf("cannot create data directory: %w", err)
		}
		if t := cfg.KV.Badger.GCThreshold; t < 0 || t >= 1 {
			return errors.New("storage.kv.badger.gc_threshold must be in [0, 1)")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.kv.engine: unknown engine %q", cfg.KV.Engine)
	}
	return nil
}

func verifyBlob(cfg *blob.Config) error {
	switch cfg.Backend {
	case "", blob.BackendDisk:
		if cfg.Dir == "" {
			return errors.New("blob.dir is required for the disk backend")
		}
	case blob.BackendS3:
		if cfg.S3.Bucket == "" {
			return errors.New("blob.s3.bucket is required for the s3 backend")
		}
		if (cfg.S3.AccessKey == "") != (cfg.S3.SecretKey == "") {
			return errors.New("blob.s3: access_key and secret_key must be set together")
		}
	default:
		return fmt.Errorf("blob.backend: unknown backend %q", cfg.Backend)
	}
	return nil
}

func verifySecurity(cfg *SecuritySection) error {
	var errs []error
	if cfg.SessionSecret != "" && len(cfg.SessionSecret) < minSessionSecret {
		errs = append(errs, fmt.Errorf("security.session_secret must be at least %d bytes", minSessionSecret))
	}
	if cfg.SessionTTL < 0 {
		errs = append(errs, errors.New("security.session_ttl must not be negative"))
	}
	if cfg.PasswordPolicy.MinLength < 1 {
		errs = append(errs, errors.New("security.password_policy.min_length must be at least 1"))
	}
	return errors.Join(errs...)
}

func verifyLimits(cfg *LimitsSection) error {
	known := service.DefaultPolicies()
	var errs []error
	for name, p := range cfg.Policies {
		if _, ok := known[service.Action(name)]; !ok {
			errs = append(errs, fmt.Errorf("limits.policies: unknown action %q", name))
			continue
		}
		if p.Limit < 0 {
			errs = append(errs, fmt.Errorf("limits.policies.%s.limit must not be negative", name))
		}
		if p.Limit > 0 && p.Window <= 0 {
			errs = append(errs, fmt.Errorf("limits.policies.%s.window must be positive", name))
		}
	}
	if cfg.FailureThreshold < 0 || cfg.FailureWindow < 0 || cfg.BanDuration < 0 {
		errs = append(errs, errors.New("limits: failure and ban settings must not be negative"))
	}
	return errors.Join(errs...)
}

func verifyTransfer(cfg *service.TransferConfig) error {
	if cfg.MaxFileSize < 0 || cfg.MaxChunkSize < 0 || cfg.SequenceTolerance < 0 {
		return errors.New("transfer: sizes must not be negative")
	}
	if cfg.MaxChunkSize > 0 && cfg.MaxFileSize > 0 && int64(cfg.MaxChunkSize) > cfg.MaxFileSize {
		return errors.New("transfer.max_chunk_size must not exceed transfer.max_file_size")
	}
	return nil
}

func verifyEvents(cfg *ServerConfig) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if len(cfg.Events.Brokers) == 0 {
		return errors.New("events.brokers is required when the relay is enabled")
	}
	if cfg.Events.Topic == "" {
		return errors.New("events.topic is required when the relay is enabled")
	}
	return nil
}

func verifyLog(cfg *ServerConfig) error {
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "text", "console":
		return nil
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
}

func fileExists(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s is a directory", name, path)
	}
	return nil
}
