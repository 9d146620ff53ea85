package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/straja-ai/imageguard/internal/activation"
	"github.com/straja-ai/imageguard/internal/classifier"
	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/guard"
	"github.com/straja-ai/imageguard/internal/logging"
	"github.com/straja-ai/imageguard/internal/metrics"
	"github.com/straja-ai/imageguard/internal/modelstore"
	"github.com/straja-ai/imageguard/internal/redact"
	"github.com/straja-ai/imageguard/internal/server"
	"github.com/straja-ai/imageguard/internal/telemetry"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address host:port (overrides config)")
	configPath := flag.String("config", "imageguard.yaml", "Path to ImageGuard config file")
	flag.Parse()

	_, bootRestore := logging.Setup(config.LoggingConfig{})
	defer bootRestore()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		redact.Fatalf("failed to load config: %v", err)
	}
	if *addrFlag != "" {
		if err := overrideAddr(&cfg.Server, *addrFlag); err != nil {
			redact.Fatalf("invalid -addr: %v", err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		redact.Fatalf("invalid config: %v", err)
	}

	logger, restore := logging.Setup(cfg.Logging)
	defer restore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "imageguard",
		Version:  version,
	})
	if err != nil {
		logger.Fatal("telemetry setup failed", zap.Error(err))
	}

	m := metrics.New()

	store, err := modelstore.New(modelstore.Options{
		CacheDir: cfg.Models.CacheDir,
		Endpoint: cfg.Models.HubEndpoint,
		Token:    os.Getenv(cfg.Models.HubTokenEnv),
		Offline:  cfg.Models.Offline,
	})
	if err != nil {
		logger.Fatal("model store setup failed", zap.Error(err))
	}

	guard.LogBanner(cfg)
	texture, structure := guard.LoadExperts(ctx, cfg, store)

	extractor := guard.ExtractorFromConfig(cfg.Scoring)
	ladder := guard.LadderFromConfig(cfg.Scoring)
	g := guard.New(texture, structure, guard.Options{
		Extractor: &extractor,
		Ladder:    &ladder,
		Tracer:    tel.Tracer(),
		Observer:  guard.Observers{m, tel},
	})
	if !g.Ready() {
		logger.Warn("no expert loaded; every image will be reported as real until a model is available")
	}

	sinks, err := activation.NewSinks(cfg.Activation.Sinks)
	if err != nil {
		logger.Fatal("activation sinks setup failed", zap.Error(err))
	}
	emitter := activation.NewEmitter(activation.EmitterConfig{
		QueueSize: cfg.Activation.QueueSize,
		Workers:   cfg.Activation.Workers,
		OnDrop:    m.ActivationDropped.Inc,
	}, sinks)

	srv := server.New(cfg, g, server.Options{
		Metrics:         m,
		Emitter:         emitter,
		ActivationLevel: cfg.Logging.ActivationLevel,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	emitter.Close(shutdownCtx)
	g.Close()
	classifier.ShutdownRuntime()
	tel.Shutdown(shutdownCtx)
	logger.Info("stopped")
}

func overrideAddr(sc *config.ServerConfig, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	if host != "" {
		sc.Host = host
	}
	sc.Port = port
	return nil
}
