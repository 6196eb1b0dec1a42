package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.MQTTBrokerAddress != "127.0.0.1" || cfg.MQTTPort != 1883 {
		t.Fatalf("broker defaults = %s:%d", cfg.MQTTBrokerAddress, cfg.MQTTPort)
	}
	if len(cfg.MQTTTopics) == 0 {
		t.Fatal("default topics missing")
	}
	if cfg.DatabaseFile == "" || cfg.APIListenAddress == "" {
		t.Fatalf("defaults incomplete: %+v", cfg)
	}
}

func TestNewFromFile(t *testing.T) {
	path := writeConfig(t, `
name: TestSink
database_file: /tmp/test.db
mqtt_broker_address: broker.example.net
mqtt_port: 8883
mqtt_topics:
  - msh/AT/2/e/+/#
channel_key: "1PG7OiApB1nwvP+rz05pAQ=="
log_level: DEBUG
decode_workers: 8
`)

	cfg, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.Name != "TestSink" || cfg.MQTTBrokerAddress != "broker.example.net" || cfg.MQTTPort != 8883 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.MQTTTopics) != 1 || cfg.MQTTTopics[0] != "msh/AT/2/e/+/#" {
		t.Fatalf("topics = %v", cfg.MQTTTopics)
	}
	if cfg.DecodeWorkers != 8 || cfg.LogLevel != "DEBUG" {
		t.Fatalf("values lost: %+v", cfg)
	}
}

func TestNewMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNewInvalidYAML(t *testing.T) {
	path := writeConfig(t, "mqtt_port: [not a number")
	if _, err := New(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "mqtt_broker_address: from-file.example.net\n")

	t.Setenv("MESHSINK_MQTT_BROKER_ADDRESS", "from-env.example.net")
	t.Setenv("MESHSINK_MQTT_PORT", "2883")
	t.Setenv("MESHSINK_LOG_JSON", "true")
	t.Setenv("MESHSINK_MQTT_TOPICS", "msh/a/#, msh/b/#")

	cfg, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.MQTTBrokerAddress != "from-env.example.net" {
		t.Fatalf("env override lost: %q", cfg.MQTTBrokerAddress)
	}
	if cfg.MQTTPort != 2883 || !cfg.LogJSON {
		t.Fatalf("env values = %d, %v", cfg.MQTTPort, cfg.LogJSON)
	}
	if len(cfg.MQTTTopics) != 2 || cfg.MQTTTopics[1] != "msh/b/#" {
		t.Fatalf("topics = %v", cfg.MQTTTopics)
	}
}

func TestEnvIgnoresUnparseableNumbers(t *testing.T) {
	t.Setenv("MESHSINK_MQTT_PORT", "not-a-port")

	cfg, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cfg.MQTTPort != 1883 {
		t.Fatalf("port = %d, want default kept", cfg.MQTTPort)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{name: "empty database", content: "database_file: ''\n"},
		{name: "port out of range", content: "mqtt_port: 70000\n"},
		{name: "no topics", content: "mqtt_topics: []\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := New(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
