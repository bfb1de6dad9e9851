package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kestrelops/mcpgate/internal/gateway"
	"github.com/kestrelops/mcpgate/internal/gateway/breaker"
	"github.com/kestrelops/mcpgate/internal/gateway/config"
	"github.com/kestrelops/mcpgate/internal/gateway/credential"
	"github.com/kestrelops/mcpgate/internal/gateway/transport"
)

var (
	configPath = flag.String("config", "", "Path to config file (default: ./mcpgate.yaml)")
	listenAddr = flag.String("listen", "", "Override listen address from config")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	version    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("mcpgate %s\n", gateway.Version)
		os.Exit(0)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}

	logger.Info("starting mcpgate",
		"version", gateway.Version,
		"addr", cfg.Listen.Addr,
		"servers", len(cfg.Servers),
		"auth_mode", cfg.Auth.Mode,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(registry)

	// Credential backend per auth mode. In "none" mode every audience
	// resolves to the empty token, so lookups never leave the process.
	var credSvc credential.Service
	switch cfg.Auth.Mode {
	case config.AuthModeExchange:
		credSvc = credential.NewExchangeService(cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, nil)
	case config.AuthModeStatic:
		credSvc = credential.NewStaticService(cfg.Auth.StaticTokens)
	default:
		credSvc = credential.NewStaticService(nil)
	}
	creds := credential.NewCoordinator(credSvc, logger)

	factory := transport.NewFactory("mcpgate", logger)
	resolve := func(serverID string) (transport.Descriptor, error) {
		sc, ok := cfg.Server(serverID)
		if !ok {
			return transport.Descriptor{}, fmt.Errorf("unknown server %q", serverID)
		}
		return sc.Descriptor(), nil
	}
	audienceFor := func(serverID string) string {
		sc, ok := cfg.Server(serverID)
		if !ok || cfg.Auth.Mode == config.AuthModeNone {
			return ""
		}
		return sc.Audience
	}

	store := gateway.NewStore(gateway.StoreConfig{
		TTL:               cfg.Session.TTL,
		SweepInterval:     cfg.Session.SweepInterval,
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		HeartbeatFailures: cfg.Session.HeartbeatFailures,
		MaxSessions:       cfg.Session.MaxSessions,
	}, factory, resolve, metrics, logger)
	store.Start()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Breaker.SuccessThreshold,
		HalfOpenMaxProbes:   cfg.Breaker.HalfOpenMaxProbes,
		BaseRecoveryTimeout: cfg.Breaker.BaseRecoveryTimeout,
		MaxRecoveryTimeout:  cfg.Breaker.MaxRecoveryTimeout,
		RecoveryMultiplier:  cfg.Breaker.RecoveryMultiplier,
	}, logger)

	audit := gateway.NewAuditLogger(logger)

	controller := gateway.NewController(store, creds, breakers, audienceFor, gateway.RetryPolicy{
		MaxNetworkAttempts: cfg.Retry.MaxNetworkAttempts,
		BaseBackoff:        cfg.Retry.BaseBackoff,
		MaxBackoff:         cfg.Retry.MaxBackoff,
		BackoffMultiplier:  2.0,
		JitterFraction:     0.25,
	}, audit, metrics, logger)

	server := gateway.NewServer(cfg.Listen, controller, store, breakers, audit, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}
