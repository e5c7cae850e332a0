package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/mqtt"
)

// Home Assistant component names.
const (
	ComponentAlarmPanel = "alarm_control_panel"
	ComponentSensor     = "sensor"
)

const manufacturer = "Sector Alarm"

// Descriptor is one retained discovery message.
type Descriptor struct {
	EntityID   string
	EntityKind string
	Topic      string
	Payload    []byte
}

// device is the Home Assistant device block.
type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// panelConfig is the alarm_control_panel discovery payload. Field order is
// fixed by the struct, so json.Marshal output is stable.
type panelConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	PayloadArmAway    string   `json:"payload_arm_away"`
	PayloadArmHome    string   `json:"payload_arm_home"`
	PayloadDisarm     string   `json:"payload_disarm"`
	SupportedFeatures []string `json:"supported_features"`
	CodeArmRequired   bool     `json:"code_arm_required"`
	Device            device   `json:"device"`
}

// sensorConfig is the temperature sensor discovery payload. Humidity, when
// present, appears as an attribute through json_attributes_topic.
type sensorConfig struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	StateTopic          string `json:"state_topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	DeviceClass         string `json:"device_class"`
	StateClass          string `json:"state_class"`
	UnitOfMeasurement   string `json:"unit_of_measurement"`
	ValueTemplate       string `json:"value_template"`
	JSONAttributesTopic string `json:"json_attributes_topic"`
	Device              device `json:"device"`
}

// PanelObjectID is the discovery object id of a panel.
func PanelObjectID(panelID string) string {
	return "sa_" + mqtt.SafeSegment(panelID)
}

// SensorObjectID is the discovery object id of a sensor.
func SensorObjectID(serial string) string {
	return "sa_" + mqtt.SafeSegment(serial)
}

// Build returns the panel descriptor followed by one descriptor per serial,
// sorted by serial. It has no side effects; equal inputs give byte-identical
// payloads.
func Build(topics mqtt.Topics, panelID string, serials []string) ([]Descriptor, error) {
	panelObj := PanelObjectID(panelID)

	panel := panelConfig{
		Name:              "Sector Alarm Panel",
		UniqueID:          "sa_panel_" + mqtt.SafeSegment(panelID),
		StateTopic:        topics.PanelState(panelID),
		CommandTopic:      topics.PanelSet(panelID),
		AvailabilityTopic: topics.Availability(),
		PayloadArmAway:    string(alarm.ActionArmAway),
		PayloadArmHome:    string(alarm.ActionArmHome),
		PayloadDisarm:     string(alarm.ActionDisarm),
		SupportedFeatures: []string{"arm_home", "arm_away"},
		CodeArmRequired:   false,
		Device: device{
			Identifiers:  []string{panelObj},
			Name:         "Sector Alarm",
			Manufacturer: manufacturer,
		},
	}
	payload, err := json.Marshal(panel)
	if err != nil {
		return nil, fmt.Errorf("encoding panel descriptor: %w", err)
	}

	out := []Descriptor{{
		EntityID:   panel.UniqueID,
		EntityKind: ComponentAlarmPanel,
		Topic:      topics.Discovery(ComponentAlarmPanel, panelObj),
		Payload:    payload,
	}}

	sorted := append([]string(nil), serials...)
	sort.Strings(sorted)
	seen := make(map[string]bool, len(sorted))

	for _, serial := range sorted {
		obj := SensorObjectID(serial)
		if serial == "" || seen[obj] {
			continue
		}
		seen[obj] = true

		stateTopic := topics.SensorState(serial)
		cfg := sensorConfig{
			Name:                serial + " Temperature",
			UniqueID:            obj + "_temp",
			StateTopic:          stateTopic,
			AvailabilityTopic:   topics.Availability(),
			DeviceClass:         "temperature",
			StateClass:          "measurement",
			UnitOfMeasurement:   "°C",
			ValueTemplate:       "{{ value_json.temperature }}",
			JSONAttributesTopic: stateTopic,
			Device: device{
				Identifiers:  []string{"sa_dev_" + mqtt.SafeSegment(serial)},
				Name:         "Sector Sensor " + serial,
				Manufacturer: manufacturer,
				ViaDevice:    panelObj,
			},
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding sensor %s descriptor: %w", serial, err)
		}
		out = append(out, Descriptor{
			EntityID:   cfg.UniqueID,
			EntityKind: ComponentSensor,
			Topic:      topics.Discovery(ComponentSensor, obj),
			Payload:    payload,
		})
	}

	return out, nil
}

// RetainedPublisher publishes retained messages at QoS 1.
type RetainedPublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Publisher sends discovery descriptors to the broker.
type Publisher struct {
	pub    RetainedPublisher
	topics mqtt.Topics
}

// NewPublisher creates a discovery publisher.
func NewPublisher(pub RetainedPublisher, topics mqtt.Topics) *Publisher {
	return &Publisher{pub: pub, topics: topics}
}

// Publish builds and publishes every descriptor. Republishing with the same
// inputs only overwrites retained messages with identical bytes. All
// descriptors are attempted; failures are joined.
func (p *Publisher) Publish(panelID string, serials []string) error {
	descriptors, err := Build(p.topics, panelID, serials)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range descriptors {
		if err := p.pub.PublishRetained(d.Topic, d.Payload); err != nil {
			errs = append(errs, fmt.Errorf("publishing %s: %w", d.EntityID, err))
		}
	}
	return errors.Join(errs...)
}
