package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/sector-bridge/internal/infrastructure/mqtt"
)

var testTopics = mqtt.Topics{Namespace: "sector", DiscoveryPrefix: "homeassistant"}

type published struct {
	topic   string
	payload []byte
}

// recordingPublisher captures retained publishes.
type recordingPublisher struct {
	msgs    []published
	failOn  string
	failErr error
}

func (r *recordingPublisher) PublishRetained(topic string, payload []byte) error {
	if topic == r.failOn {
		return r.failErr
	}
	r.msgs = append(r.msgs, published{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func TestBuild_PanelDescriptor(t *testing.T) {
	ds, err := Build(testTopics, "1", nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Build() returned %d descriptors, want 1", len(ds))
	}
	d := ds[0]
	if d.Topic != "homeassistant/alarm_control_panel/sa_1/config" {
		t.Errorf("Topic = %q", d.Topic)
	}
	if d.EntityKind != ComponentAlarmPanel || d.EntityID != "sa_panel_1" {
		t.Errorf("descriptor = %+v", d)
	}

	var got map[string]any
	if err := json.Unmarshal(d.Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	want := map[string]any{
		"state_topic":        "sector/1/state",
		"command_topic":      "sector/1/set",
		"availability_topic": "sector/bridge/availability",
		"payload_arm_away":   "ARM_AWAY",
		"payload_arm_home":   "ARM_HOME",
		"payload_disarm":     "DISARM",
		"code_arm_required":  false,
		"name":               "Sector Alarm Panel",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	dev, _ := got["device"].(map[string]any)
	if ids, _ := dev["identifiers"].([]any); len(ids) != 1 || ids[0] != "sa_1" {
		t.Errorf("device.identifiers = %v", dev["identifiers"])
	}
}

func TestBuild_SensorDescriptors(t *testing.T) {
	ds, err := Build(testTopics, "1", []string{"ZZ:09", "AA:01", "AA01", ""})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	// "AA:01" and "AA01" collapse to the same topic-safe id; the empty serial is skipped.
	if len(ds) != 3 {
		t.Fatalf("Build() returned %d descriptors, want 3", len(ds))
	}

	wantTopics := []string{
		"homeassistant/alarm_control_panel/sa_1/config",
		"homeassistant/sensor/sa_AA01/config",
		"homeassistant/sensor/sa_ZZ09/config",
	}
	for i, want := range wantTopics {
		if ds[i].Topic != want {
			t.Errorf("ds[%d].Topic = %q, want %q", i, ds[i].Topic, want)
		}
	}

	var cfg map[string]any
	if err := json.Unmarshal(ds[2].Payload, &cfg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if cfg["state_topic"] != "sector/sensor/ZZ09/state" || cfg["json_attributes_topic"] != "sector/sensor/ZZ09/state" {
		t.Errorf("topics = %v / %v", cfg["state_topic"], cfg["json_attributes_topic"])
	}
	if cfg["unique_id"] != "sa_ZZ09_temp" || cfg["device_class"] != "temperature" || cfg["unit_of_measurement"] != "°C" {
		t.Errorf("sensor config = %v", cfg)
	}
	if cfg["value_template"] != "{{ value_json.temperature }}" {
		t.Errorf("value_template = %v", cfg["value_template"])
	}
	if dev, _ := cfg["device"].(map[string]any); dev["via_device"] != "sa_1" {
		t.Errorf("device = %v", cfg["device"])
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := Build(testTopics, "1", []string{"B", "A", "C"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	b, err := Build(testTopics, "1", []string{"C", "B", "A"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Topic != b[i].Topic || !bytes.Equal(a[i].Payload, b[i].Payload) {
			t.Errorf("descriptor %d differs", i)
		}
	}
}

func TestBuild_DoesNotMutateInput(t *testing.T) {
	serials := []string{"B", "A"}
	if _, err := Build(testTopics, "1", serials); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if serials[0] != "B" || serials[1] != "A" {
		t.Errorf("input reordered: %v", serials)
	}
}

func TestPublisher_IdempotentRepublish(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewPublisher(rec, testTopics)

	if err := p.Publish("1", []string{"AA01"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	first := append([]published(nil), rec.msgs...)
	if err := p.Publish("1", []string{"AA01"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	second := rec.msgs[len(first):]

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("published %d then %d messages, want 2 and 2", len(first), len(second))
	}
	for i := range first {
		if first[i].topic != second[i].topic || !bytes.Equal(first[i].payload, second[i].payload) {
			t.Errorf("message %d differs between publishes", i)
		}
	}
}

func TestPublisher_ContinuesAfterFailure(t *testing.T) {
	errBroker := errors.New("not connected")
	rec := &recordingPublisher{
		failOn:  "homeassistant/alarm_control_panel/sa_1/config",
		failErr: errBroker,
	}
	p := NewPublisher(rec, testTopics)

	err := p.Publish("1", []string{"AA01"})
	if !errors.Is(err, errBroker) {
		t.Fatalf("Publish() error = %v, want wrapped broker error", err)
	}
	if !strings.Contains(err.Error(), "sa_panel_1") {
		t.Errorf("error %q does not name the entity", err)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].topic != "homeassistant/sensor/sa_AA01/config" {
		t.Errorf("sensor descriptor not published after panel failure: %+v", rec.msgs)
	}
}
