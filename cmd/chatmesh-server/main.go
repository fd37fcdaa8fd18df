package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/chatmesh-go/internal/infra/confloader"
	"github.com/yndnr/chatmesh-go/internal/infra/eventrelay"
	"github.com/yndnr/chatmesh-go/internal/infra/shutdown"
	"github.com/yndnr/chatmesh-go/internal/infra/tlsroots"
	"github.com/yndnr/chatmesh-go/internal/server/chatserver"
	"github.com/yndnr/chatmesh-go/internal/server/config"
	"github.com/yndnr/chatmesh-go/internal/server/httpserver"
	"github.com/yndnr/chatmesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/chatmesh-go/internal/server/localserver"
	"github.com/yndnr/chatmesh-go/internal/telemetry/logger"
	"github.com/yndnr/chatmesh-go/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "path to configuration file")
		checkConfig = flag.Bool("check-config", false, "validate the configuration and exit")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatmesh-server %s\n", buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *checkConfig {
		fmt.Println("configuration OK")
		return nil
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting chatmesh-server",
		"version", info.Version,
		"commit", info.Commit,
		"config", *configFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := metric.Global()
	startedAt := time.Now()
	shutdownHandler := shutdown.NewHandler(cfg.Server.ShutdownTimeout, log)

	// Hooks run in reverse registration order: storage is registered
	// first so it closes last.
	stack, err := openStorage(ctx, cfg, metrics, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	shutdownHandler.OnShutdown("storage", func(context.Context) error {
		return stack.kv.Close()
	})

	svc, err := newServices(cfg, stack, metrics, log)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	shutdownHandler.OnShutdown("event-bus", func(context.Context) error {
		svc.Bus.Close()
		return nil
	})
	svc.start(ctx)
	shutdownHandler.OnShutdown("services", func(context.Context) error {
		cancel()
		return nil
	})

	if cfg.Events.Enabled {
		relay, err := eventrelay.New(cfg.Events, log)
		if err != nil {
			return fmt.Errorf("init event relay: %w", err)
		}
		relayCtx, stopRelay := context.WithCancel(ctx)
		relayDone := make(chan error, 1)
		go func() { relayDone <- relay.Run(relayCtx, svc.Bus) }()
		shutdownHandler.OnShutdown("event-relay", func(ctx context.Context) error {
			stopRelay()
			select {
			case err := <-relayDone:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		log.Info("event relay enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	var certs *tlsroots.Watcher
	if cfg.Security.TLSCertFile != "" {
		certs, err = tlsroots.NewWatcher(cfg.Security.TLSCertFile, cfg.Security.TLSKeyFile, tlsroots.WithLogger(log))
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		certs.StartAsync()
		shutdownHandler.OnShutdown("tls-watcher", func(context.Context) error {
			certs.Stop()
			return nil
		})
	}

	var draining atomic.Bool

	if cfg.Server.Local.Path != "" {
		local, err := startLocalServer(cfg.Server.Local.Path, localserver.Deps{
			Registry:  svc.Registry,
			Limiter:   svc.Limiter,
			Transfers: svc.Transfers,
			Sessions:  svc.Sessions,
			Rooms:     stack.store,
			Audit:     stack.store,
			Shutdown:  shutdownHandler.Trigger,
			Version:   info.Version,
			StartedAt: startedAt,
		}, log)
		if err != nil {
			return fmt.Errorf("start admin socket: %w", err)
		}
		shutdownHandler.OnShutdown("admin-socket", local.Shutdown)
	}

	if addr := cfg.Server.HTTP.Address; addr != "" {
		h := handler.New(handler.Deps{
			Registry:  svc.Registry,
			Transfers: svc.Transfers,
			Limiter:   svc.Limiter,
			Sessions:  svc.Sessions,
			Bus:       svc.Bus,
			Storage:   stack.store,
			Events:    svc.Bus,
			Ready: func(ctx context.Context) error {
				if draining.Load() {
					return domain.ErrShuttingDown
				}
				_, err := stack.store.Stats(ctx)
				return err
			},
			Version:   info.Version,
			StartedAt: startedAt,
		}, log)
		router := httpserver.NewRouter(&httpserver.RouterConfig{
			Handler:            h,
			Metrics:            metrics.Handler(),
			Sessions:           svc.Sessions,
			Logger:             log,
			AdminAllowList:     cfg.Server.HTTP.AdminAllowList,
			TrustedProxies:     cfg.Server.HTTP.TrustedProxies,
			CORSAllowedOrigins: cfg.Server.HTTP.CORSAllowedOrigins,
			GlobalRateLimit:    cfg.Server.HTTP.RateLimit,
		})

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		if cfg.Server.HTTP.TLS {
			ln = tls.NewListener(ln, certs.ServerConfig())
		}
		srv := httpserver.New(addr, router)
		go func() {
			log.Info("HTTP server listening", "address", ln.Addr().String(), "tls", cfg.Server.HTTP.TLS)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server error", "error", err)
				shutdownHandler.Trigger()
			}
		}()
		shutdownHandler.OnShutdown("http", srv.Shutdown)
	}

	chatCfg := cfg.Server.Chat
	if certs != nil {
		chatCfg.TLSConfig = certs.ServerConfig()
	}
	chat := chatserver.New(chatCfg, chatserver.Services{
		Auth:      svc.Auth,
		Registry:  svc.Registry,
		Rooms:     svc.Rooms,
		Router:    svc.Router,
		Transfers: svc.Transfers,
		Limiter:   svc.Limiter,
	}, metrics, log)
	if err := chat.Start(ctx); err != nil {
		return fmt.Errorf("start chat server: %w", err)
	}
	shutdownHandler.OnShutdown("chat", chat.Shutdown)

	if *configFile != "" {
		watcher, err := watchConfig(*configFile, log)
		if err != nil {
			log.Warn("config reload disabled", "error", err)
		} else {
			shutdownHandler.OnShutdown("config-watcher", func(context.Context) error {
				return watcher.Stop()
			})
		}
	}

	shutdownHandler.OnShutdown("readiness", func(context.Context) error {
		draining.Store(true)
		return nil
	})

	log.Info("server started", "startup_ms", time.Since(startedAt).Milliseconds())
	if err := shutdownHandler.Wait(context.Background()); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads defaults, the optional file and CHATMESH_ environment
// variables, then validates the result.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	var opts []confloader.Option
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}

	cfg, err := confloader.LoadServer(opts...)
	if err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchConfig reloads the log level when the configuration file changes.
// Other settings need a restart.
func watchConfig(path string, log *slog.Logger) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return nil, err
	}
	w.OnChange(func(string) {
		cfg, err := loadConfig(path)
		if err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		if cfg.Log.Level == logger.GetLevel() {
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		log.Info("log level changed", "level", cfg.Log.Level)
	})
	w.StartAsync()
	return w, nil
}

func startLocalServer(path string, deps localserver.Deps, log *slog.Logger) (*localserver.Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	srv := localserver.New(path, localserver.NewHandler(deps), log)
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("admin socket error", "error", err)
		}
	}()
	log.Info("admin socket listening", "path", path)
	return srv, nil
}
