// Package config loads the application configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "MESHSINK_"

// App contains the full application configuration.
type App struct {
	Name              string   `yaml:"name"`
	DatabaseFile      string   `yaml:"database_file"`
	MQTTBrokerAddress string   `yaml:"mqtt_broker_address"`
	MQTTPort          int      `yaml:"mqtt_port"`
	MQTTUsername      string   `yaml:"mqtt_username"`
	MQTTPassword      string   `yaml:"mqtt_password"`
	MQTTTopics        []string `yaml:"mqtt_topics"`
	ChannelKey        string   `yaml:"channel_key"`
	LogLevel          string   `yaml:"log_level"`
	LogJSON           bool     `yaml:"log_json"`

	ListenerQueueSize int `yaml:"listener_queue_size"`
	DecodeWorkers     int `yaml:"decode_workers"`
	MaxEnvelopeBytes  int `yaml:"max_envelope_bytes"`

	APIEnabled        bool   `yaml:"api_enabled"`
	APIListenAddress  string `yaml:"api_listen_address"`
	LiveQueueSize     int    `yaml:"live_queue_size"`
	RedisAddress      string `yaml:"redis_address"`
	RedisPassword     string `yaml:"redis_password"`
	RedisCacheSeconds int    `yaml:"redis_cache_seconds"`

	ObservabilityAddress string `yaml:"observability_address"`
	MaintenanceInterval  int    `yaml:"maintenance_interval"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                 "Meshsink",
		DatabaseFile:         "meshsink.db",
		MQTTBrokerAddress:    "127.0.0.1",
		MQTTPort:             1883,
		MQTTTopics:           []string{"msh/+/2/e/+/#", "msh/+/+/2/e/+/#"},
		ChannelKey:           "",
		LogLevel:             "INFO",
		ListenerQueueSize:    1024,
		DecodeWorkers:        4,
		MaxEnvelopeBytes:     256 * 1024,
		APIEnabled:           true,
		APIListenAddress:     ":8080",
		LiveQueueSize:        256,
		RedisAddress:         "",
		RedisCacheSeconds:    30,
		ObservabilityAddress: ":2112",
		MaintenanceInterval:  360,
	}
}

func (c *App) applyFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: file %s does not exist", path)
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from MESHSINK_-prefixed environment variables.
// Unparseable numeric or boolean values are ignored in favour of the
// configured value.
func (c *App) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	setString("NAME", &c.Name)
	setString("DATABASE_FILE", &c.DatabaseFile)
	setString("MQTT_BROKER_ADDRESS", &c.MQTTBrokerAddress)
	setInt("MQTT_PORT", &c.MQTTPort)
	setString("MQTT_USERNAME", &c.MQTTUsername)
	setString("MQTT_PASSWORD", &c.MQTTPassword)
	setString("CHANNEL_KEY", &c.ChannelKey)
	setString("LOG_LEVEL", &c.LogLevel)
	setBool("LOG_JSON", &c.LogJSON)
	setInt("LISTENER_QUEUE_SIZE", &c.ListenerQueueSize)
	setInt("DECODE_WORKERS", &c.DecodeWorkers)
	setInt("MAX_ENVELOPE_BYTES", &c.MaxEnvelopeBytes)
	setBool("API_ENABLED", &c.APIEnabled)
	setString("API_LISTEN_ADDRESS", &c.APIListenAddress)
	setInt("LIVE_QUEUE_SIZE", &c.LiveQueueSize)
	setString("REDIS_ADDRESS", &c.RedisAddress)
	setString("REDIS_PASSWORD", &c.RedisPassword)
	setInt("REDIS_CACHE_SECONDS", &c.RedisCacheSeconds)
	setString("OBSERVABILITY_ADDRESS", &c.ObservabilityAddress)
	setInt("MAINTENANCE_INTERVAL", &c.MaintenanceInterval)

	if v, ok := os.LookupEnv(envPrefix + "MQTT_TOPICS"); ok {
		var topics []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
		if len(topics) > 0 {
			c.MQTTTopics = topics
		}
	}
}

func (c *App) validate() error {
	if strings.TrimSpace(c.DatabaseFile) == "" {
		return errors.New("config: database_file must be set")
	}
	if strings.TrimSpace(c.MQTTBrokerAddress) == "" {
		return errors.New("config: mqtt_broker_address must be set")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("config: mqtt_port %d out of range", c.MQTTPort)
	}
	if len(c.MQTTTopics) == 0 {
		return errors.New("config: at least one mqtt topic filter must be set")
	}
	return nil
}
