package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/meshsink/meshsink/internal/api/httpapi"
	"github.com/meshsink/meshsink/internal/app"
	"github.com/meshsink/meshsink/internal/config"
	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/hub"
	"github.com/meshsink/meshsink/internal/mqtt"
	"github.com/meshsink/meshsink/internal/observability"
	"github.com/meshsink/meshsink/internal/paths"
	"github.com/meshsink/meshsink/internal/pipeline"
	"github.com/meshsink/meshsink/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(*configPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logger := observability.NewLogger(cfg.LogLevel, observability.WithJSON(cfg.LogJSON))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	mqttCfg := app.BuildMQTTConfig(cfg)
	client, err := mqtt.NewClient(mqttCfg)
	if err != nil {
		logger.Error("failed to initialise MQTT client", slog.Any("error", err))
		return
	}

	decoder, err := decode.NewEnvelopeDecoder(app.BuildDecodeConfig(cfg))
	if err != nil {
		logger.Error("failed to initialise decoder", slog.Any("error", err))
		return
	}

	store, err := storage.Open(
		app.BuildStorageConfig(cfg),
		storage.WithLogger(logger.With(slog.String("component", "storage"))),
	)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage close error", slog.Any("error", err))
		}
	}()

	if interval := app.MaintenanceInterval(cfg); interval > 0 {
		go store.Maintain(ctx, interval)
	}

	fanout := hub.New(hub.WithQueueSize(cfg.LiveQueueSize))

	tracer := paths.NewAssembler(store,
		paths.WithLogger(logger.With(slog.String("component", "paths"))),
	)

	pipe := pipeline.New(
		app.BuildPipelineConfig(cfg),
		client,
		decoder,
		store,
		tracer,
		fanout,
		pipeline.WithLogger(logger.With(slog.String("component", "pipeline"))),
		pipeline.WithMetrics(metrics),
	)

	obsServer := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  logger.With(slog.String("component", "observability")),
		Metrics: metrics,
	})
	go obsServer.Run(ctx)

	if cfg.APIEnabled {
		apiServer, err := httpapi.NewServer(
			httpapi.Config{
				Address: cfg.APIListenAddress,
				Cache: httpapi.CacheConfig{
					RedisAddress:      cfg.RedisAddress,
					RedisPassword:     cfg.RedisPassword,
					DefaultTTLSeconds: cfg.RedisCacheSeconds,
				},
			},
			store,
			fanout,
			httpapi.WithLogger(logger.With(slog.String("component", "api"))),
		)
		if err != nil {
			logger.Error("failed to initialise API server", slog.Any("error", err))
			return
		}
		go apiServer.Run(ctx)
	}

	go func() {
		for err := range pipe.Errors() {
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error("pipeline error", slog.Any("error", err))
		}
	}()

	logger.Info("meshsink starting",
		slog.String("broker_host", mqttCfg.BrokerHost),
		slog.Int("broker_port", mqttCfg.BrokerPort),
		slog.String("api_address", cfg.APIListenAddress),
		slog.String("observability_address", cfg.ObservabilityAddress),
	)

	if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline stopped with error", slog.Any("error", err))
	}

	logger.Info("meshsink stopped")
}
