//go:build integration

package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	return cfg
}

var integrationTopics = Topics{Namespace: "sector-int"}

func TestIntegration_ConnectAndClose(t *testing.T) {
	client, err := Connect(integrationConfig("sector-int-connect"), integrationTopics)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("sector-int-refused")
	cfg.Broker.Port = 19998

	_, err := Connect(cfg, integrationTopics)
	if !errors.Is(err, ErrConnect) {
		t.Errorf("Connect() error = %v, want ErrConnect", err)
	}
}

func TestIntegration_SubscribeRecordsRoute(t *testing.T) {
	client, err := Connect(integrationConfig("sector-int-sub-track"), integrationTopics)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	handler := func(string, []byte) error { return nil }
	if err := client.Subscribe(integrationTopics.AllPanelSets(), 1, handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	client.routesMu.Lock()
	defer client.routesMu.Unlock()
	if _, ok := client.routes[integrationTopics.AllPanelSets()]; !ok {
		t.Error("command route missing")
	}
}

func TestIntegration_CommandRoundtrip(t *testing.T) {
	pub, err := Connect(integrationConfig("sector-int-pub"), integrationTopics)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig("sector-int-sub"), integrationTopics)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	var once sync.Once

	err = sub.Subscribe(integrationTopics.AllPanelSets(), 1, func(topic string, p []byte) error {
		if id, ok := integrationTopics.ParsePanelSet(topic); ok && id == "42" {
			once.Do(func() { received <- string(p) })
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(integrationTopics.PanelSet("42"), []byte("ARM_HOME"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != "ARM_HOME" {
			t.Errorf("Received = %q, want ARM_HOME", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}
