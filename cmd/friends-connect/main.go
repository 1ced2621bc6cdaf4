// Package main implements the entry point for the friends-connect
// service: a connection lifecycle server with an asynchronous
// notification relay over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randallard/friends-connect/config"
	"github.com/randallard/friends-connect/connection"
	"github.com/randallard/friends-connect/gateway"
	"github.com/randallard/friends-connect/health"
	"github.com/randallard/friends-connect/metric"
	"github.com/randallard/friends-connect/natsclient"
	"github.com/randallard/friends-connect/pkg/backupkey"
	"github.com/randallard/friends-connect/relay"
	"github.com/randallard/friends-connect/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "friends-connect"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("starting friends-connect",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"storage_mode", cfg.Storage.Mode,
		"broker_enabled", cfg.NATS.URL != "")

	ctx := context.Background()
	registry := metric.NewRegistry()
	healthMon := health.NewMonitor()

	natsClient, err := connectBroker(ctx, cfg, logger, registry, healthMon)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer natsClient.Close(ctx)
	}

	connStore, err := buildStore(ctx, cfg, natsClient)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	healthMon.UpdateHealthy("store", cfg.Storage.Mode)
	inboxes := store.NewInboxStore()

	notifRelay := buildRelay(cfg, natsClient, inboxes, logger, registry)

	policy := connection.Policy{
		RequestTTL: cfg.Connections.RequestTTL.Std(),
		LinkTTL:    cfg.Connections.LinkTTL.Std(),
	}
	manager := connection.NewManager(connStore, inboxes, connection.NewValidator(),
		notifRelay, policy, logger, registry.Metrics)

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{
		Addr:        cfg.HTTP.Addr,
		StaticDir:   cfg.HTTP.StaticDir,
		EnableCORS:  cfg.HTTP.EnableCORS,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		RateLimit:   cfg.HTTP.RateLimit,
		RateBurst:   cfg.HTTP.RateBurst,
	}, manager, inboxes, notifRelay, signer, healthMon, logger, registry)

	return serve(ctx, gw, notifRelay, cliCfg.ShutdownTimeout)
}

// connectBroker connects to NATS when a URL is configured. Without one
// the service runs degraded: notifications stay in-process and nothing
// is relayed.
func connectBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.Registry, healthMon *health.Monitor) (*natsclient.Client, error) {
	if cfg.NATS.URL == "" {
		slog.Warn("no NATS URL configured, relay disabled")
		healthMon.UpdateDegraded("nats", "no broker configured, relay disabled")
		return nil, nil
	}

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout.Std()),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithLogger(logger),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				registry.Metrics.NATSConnected.Set(1)
				healthMon.UpdateHealthy("nats", "connected")
			} else {
				registry.Metrics.NATSConnected.Set(0)
				healthMon.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	registry.Metrics.NATSConnected.Set(1)
	return client, nil
}

func buildStore(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client) (connection.Store, error) {
	switch cfg.Storage.Mode {
	case config.StorageModeKV:
		return store.NewKVStore(ctx, natsClient)
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildRelay(cfg *config.Config, natsClient *natsclient.Client, inboxes *store.InboxStore, logger *slog.Logger, registry *metric.Registry) *relay.Relay {
	if natsClient == nil {
		return nil
	}
	return relay.New(natsClient, inboxes, relay.Config{
		Durable:        cfg.Relay.Durable,
		PublishTimeout: cfg.Relay.PublishTimeout.Std(),
		Workers:        cfg.Relay.Workers,
		QueueSize:      cfg.Relay.QueueSize,
		ConsumeBackoff: cfg.Relay.ConsumeBackoff.Std(),
	}, logger, registry.Metrics)
}

func buildSigner(cfg *config.Config) (*backupkey.Signer, error) {
	if cfg.Backup.Key == "" {
		return nil, nil
	}
	signer, err := backupkey.NewSigner([]byte(cfg.Backup.Key))
	if err != nil {
		return nil, fmt.Errorf("create backup signer: %w", err)
	}
	return signer, nil
}

// serve runs the relay and HTTP server until a shutdown signal arrives
func serve(ctx context.Context, gw *gateway.Gateway, notifRelay *relay.Relay, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := notifRelay.Start(signalCtx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer func() {
		if err := notifRelay.Stop(shutdownTimeout); err != nil {
			slog.Error("relay shutdown failed", "error", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return gw.Serve(groupCtx)
	})

	slog.Info("friends-connect started")
	if err := group.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("friends-connect shutdown complete")
	return nil
}
