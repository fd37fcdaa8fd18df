package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/server/config"
	"github.com/yndnr/chatmesh-go/internal/storage"
	"github.com/yndnr/chatmesh-go/internal/storage/blob"
	"github.com/yndnr/chatmesh-go/internal/storage/memory"
	"github.com/yndnr/chatmesh-go/internal/telemetry/metric"
)

// storageStack is the persistence layer shared by the services.
type storageStack struct {
	kv    storage.KVEngine
	store *storage.Store
	blobs blob.Store
}

func openStorage(ctx context.Context, cfg *config.ServerConfig, metrics *metric.Registry, log *slog.Logger) (*storageStack, error) {
	kv, err := openKV(cfg.Storage.KV, metrics, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(ctx, kv, storage.StoreConfig{
		DirectMessageKey: cfg.Storage.DirectMessageKey,
	}, log)
	if err != nil {
		kv.Close()
		return nil, err
	}

	blobs, err := blob.Open(ctx, cfg.Blob, log)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}
	return &storageStack{kv: kv, store: store, blobs: blobs}, nil
}

func openKV(cfg storage.KVConfig, metrics *metric.Registry, log *slog.Logger) (storage.KVEngine, error) {
	switch cfg.Engine {
	case "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		return memory.New(), nil
	case "", "badger":
		engine, err := storage.NewBadgerEngine(cfg, log)
		if err != nil {
			return nil, err
		}
		if err := engine.RegisterMetrics(metrics.Registerer()); err != nil {
			log.Warn("badger metrics not registered", "error", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

// services holds the domain services.
type services struct {
	Bus       *service.EventBus
	Sessions  *service.SessionStore
	Limiter   *service.Limiter
	Auth      *service.AuthService
	Registry  *service.Registry
	Rooms     *service.RoomService
	Router    *service.Router
	Transfers *service.TransferService
}

func newServices(cfg *config.ServerConfig, stack *storageStack, metrics *metric.Registry, log *slog.Logger) (*services, error) {
	secret, err := sessionSecret(cfg.Security.SessionSecret, log)
	if err != nil {
		return nil, err
	}
	sessions, err := service.NewSessionStore(cfg.Security.SessionConfig(secret), nil, log)
	if err != nil {
		return nil, err
	}

	bus := service.NewEventBus(log)
	limiter := service.NewLimiter(cfg.Limits.LimiterConfig(),
		service.WithLimiterLogger(log),
		service.WithBanHook(func(domain.BanRecord) { metrics.IncBans() }),
	)
	registry := service.NewRegistry(stack.store, bus, log)
	router := service.NewRouter(registry, stack.store, stack.store, limiter, bus, log)

	svc := &services{
		Bus:      bus,
		Sessions: sessions,
		Limiter:  limiter,
		Auth: service.NewAuthService(stack.store, stack.store, sessions, limiter, service.AuthConfig{
			PasswordPolicy: cfg.Security.PasswordPolicy,
		}, log),
		Registry: registry,
		Rooms:    service.NewRoomService(stack.store, registry, limiter, log),
		Router:   router,
		Transfers: service.NewTransferService(cfg.Transfer, registry, stack.store, stack.store,
			stack.blobs, limiter, bus, log,
			service.WithCompletionFunc(router.ShareFile),
			service.WithFailureFunc(func(domain.FileTransfer, string) {
				metrics.RecordTransfer(string(domain.TransferFailed), 0)
			})),
	}

	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"online_users", "Users with at least one authenticated connection", func() float64 { return float64(len(registry.OnlineUsers())) }},
		{"transfers_active", "Uploads in progress", func() float64 { return float64(svc.Transfers.Active()) }},
		{"bans_active", "Active IP bans", func() float64 { return float64(len(limiter.Bans())) }},
		{"sessions_revoked", "Revoked sessions not yet expired", func() float64 { return float64(sessions.RevokedCount()) }},
	}
	for _, g := range gauges {
		if err := metrics.GaugeFunc(g.name, g.help, g.fn); err != nil {
			log.Warn("gauge not registered", "name", g.name, "error", err)
		}
	}
	return svc, nil
}

// start launches the background sweepers. They stop when ctx is done.
func (s *services) start(ctx context.Context) {
	go s.Limiter.Run(ctx)
	go s.Sessions.Run(ctx)
	go s.Transfers.Run(ctx)
}

// sessionSecret returns the configured secret, or a random one when none
// is configured.
func sessionSecret(configured string, log *slog.Logger) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	log.Warn("security.session_secret is not set; sessions will not survive a restart")
	return secret, nil
}
