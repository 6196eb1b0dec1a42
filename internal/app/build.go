// Package app translates the application configuration into the component
// configs the service wires together.
package app

import (
	"strings"
	"time"

	"github.com/meshsink/meshsink/internal/config"
	"github.com/meshsink/meshsink/internal/decode"
	"github.com/meshsink/meshsink/internal/mqtt"
	"github.com/meshsink/meshsink/internal/pipeline"
	"github.com/meshsink/meshsink/internal/storage"
)

// BuildMQTTConfig translates the application configuration into an MQTT
// client config.
func BuildMQTTConfig(cfg *config.App) mqtt.Config {
	if cfg == nil {
		return mqtt.Config{}
	}

	return mqtt.Config{
		BrokerHost: strings.TrimSpace(cfg.MQTTBrokerAddress),
		BrokerPort: cfg.MQTTPort,
		Username:   strings.TrimSpace(cfg.MQTTUsername),
		Password:   strings.TrimSpace(cfg.MQTTPassword),
		Topics:     cfg.MQTTTopics,
		QueueSize:  cfg.ListenerQueueSize,
	}
}

// BuildDecodeConfig translates the application configuration into a decoder
// config.
func BuildDecodeConfig(cfg *config.App) decode.Config {
	if cfg == nil {
		return decode.Config{}
	}

	key := strings.TrimSpace(cfg.ChannelKey)
	if key == "" {
		key = decode.DefaultChannelKey
	}
	return decode.Config{
		ChannelKeyBase64: key,
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
	}
}

// BuildStorageConfig translates the application configuration into a store
// config.
func BuildStorageConfig(cfg *config.App) storage.Config {
	if cfg == nil {
		return storage.Config{}
	}
	return storage.Config{Path: cfg.DatabaseFile}
}

// BuildPipelineConfig translates the application configuration into a
// pipeline config.
func BuildPipelineConfig(cfg *config.App) pipeline.Config {
	if cfg == nil {
		return pipeline.Config{}
	}
	return pipeline.Config{Workers: cfg.DecodeWorkers}
}

// MaintenanceInterval returns the sqlite housekeeping cadence.
func MaintenanceInterval(cfg *config.App) time.Duration {
	if cfg == nil || cfg.MaintenanceInterval <= 0 {
		return 0
	}
	return time.Duration(cfg.MaintenanceInterval) * time.Second
}
