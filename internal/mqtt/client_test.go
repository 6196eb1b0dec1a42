package mqtt

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		BrokerHost: "mqtt.example.net",
		BrokerPort: 1883,
		Topics:     []string{"msh/+/2/e/+/#"},
	}
}

func TestNewClientValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing host", mutate: func(c *Config) { c.BrokerHost = " " }},
		{name: "bad port", mutate: func(c *Config) { c.BrokerPort = 0 }},
		{name: "no topics", mutate: func(c *Config) { c.Topics = nil }},
		{name: "blank topic", mutate: func(c *Config) { c.Topics = []string{"ok", "  "} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if _, err := NewClient(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(validConfig())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if client.cfg.KeepAlive != defaultKeepAlive {
		t.Fatalf("keep alive = %v", client.cfg.KeepAlive)
	}
	if client.cfg.ReconnectGap != defaultConnectRetry {
		t.Fatalf("reconnect gap = %v", client.cfg.ReconnectGap)
	}
	if client.cfg.MaxReconnectGap != defaultMaxReconnectGap {
		t.Fatalf("max reconnect gap = %v", client.cfg.MaxReconnectGap)
	}
	if cap(client.messages) != defaultQueueSize {
		t.Fatalf("queue size = %d", cap(client.messages))
	}
	if !strings.HasPrefix(client.cfg.ClientID, "meshsink-") {
		t.Fatalf("client id = %q", client.cfg.ClientID)
	}
}

func TestNewClientKeepsExplicitSettings(t *testing.T) {
	cfg := validConfig()
	cfg.ClientID = "fixed-id"
	cfg.KeepAlive = time.Minute
	cfg.QueueSize = 8

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.cfg.ClientID != "fixed-id" || client.cfg.KeepAlive != time.Minute {
		t.Fatalf("explicit settings lost: %+v", client.cfg)
	}
	if cap(client.messages) != 8 {
		t.Fatalf("queue size = %d", cap(client.messages))
	}
}

func TestEnqueueEvictsOldestWhenFull(t *testing.T) {
	cfg := validConfig()
	cfg.QueueSize = 2
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	client.enqueue(Message{Topic: "t/1"})
	client.enqueue(Message{Topic: "t/2"})
	client.enqueue(Message{Topic: "t/3"})

	if client.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", client.Dropped())
	}

	first := <-client.Messages()
	second := <-client.Messages()
	if first.Topic != "t/2" || second.Topic != "t/3" {
		t.Fatalf("kept (%q, %q), want the newest two", first.Topic, second.Topic)
	}
}

func TestStopClosesChannels(t *testing.T) {
	client, err := NewClient(validConfig())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	client.Stop()
	client.Stop() // idempotent

	if _, ok := <-client.Messages(); ok {
		t.Fatal("messages channel still open")
	}
	if _, ok := <-client.Errors(); ok {
		t.Fatal("errors channel still open")
	}
	if _, ok := <-client.States(); ok {
		t.Fatal("states channel still open")
	}
}

func TestLateDeliveriesAfterStopAreDiscarded(t *testing.T) {
	client, err := NewClient(validConfig())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.Stop()

	// Paho callbacks can still fire after Disconnect returns; none of them
	// may touch the closed channels.
	client.enqueue(Message{Topic: "t/late"})
	client.publishErr(errors.New("late connection loss"))
	client.publishState(ConnState{Connected: false})

	if client.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", client.Dropped())
	}
}
