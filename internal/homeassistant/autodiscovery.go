// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/homeassistant_sensors.yaml
var homeAssistantSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	Precision         int    `yaml:"precision,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version          string                  `yaml:"version"`
	Description      string                  `yaml:"description"`
	Sensors          map[string]SensorConfig `yaml:"sensors"`
	AggregateSensors map[string]SensorConfig `yaml:"aggregate_sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                      string     `json:"name"`
	UniqueID                  string     `json:"unique_id"`
	StateTopic                string     `json:"state_topic"`
	ValueTemplate             string     `json:"value_template"`
	DeviceClass               string     `json:"device_class,omitempty"`
	UnitOfMeasurement         string     `json:"unit_of_measurement,omitempty"`
	StateClass                string     `json:"state_class,omitempty"`
	Icon                      string     `json:"icon,omitempty"`
	EntityCategory            string     `json:"entity_category,omitempty"`
	SuggestedDisplayPrecision int        `json:"suggested_display_precision,omitempty"`
	Device                    DeviceInfo `json:"device"`
	AvailabilityTopic         string     `json:"availability_topic,omitempty"`
	PayloadAvailable          string     `json:"payload_available,omitempty"`
	PayloadNotAvailable       string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

// AutoDiscovery builds Home Assistant MQTT discovery messages for devices and
// aggregation groups.
type AutoDiscovery struct {
	config Config
	layout *LayoutConfig
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config) (*AutoDiscovery, error) {
	var layout LayoutConfig
	if err := yaml.Unmarshal(homeAssistantSensorsYAML, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	log.Info().
		Str("version", layout.Version).
		Int("sensor_count", len(layout.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return &AutoDiscovery{config: config, layout: &layout}, nil
}

// DeviceMessages builds the discovery messages for every state payload field
// of one device that has sensor metadata. The result is keyed by discovery
// topic and stable for a given set of fields, so callers can publish the
// messages idempotently.
func (ad *AutoDiscovery) DeviceMessages(state domain.DeviceState, fields []string, stateTopic, availabilityTopic string) map[string]DiscoveryMessage {
	device := DeviceInfo{
		Identifiers:  []string{state.Identity.ID},
		Name:         state.Identity.Name,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        ad.config.DeviceModel,
		SwVersion:    state.FirmwareVersion,
		SerialNumber: state.SerialNumber,
	}

	messages := make(map[string]DiscoveryMessage)
	sort.Strings(fields)
	for _, field := range fields {
		sensor, ok := ad.layout.Sensors[field]
		if !ok {
			continue
		}
		msg := ad.buildMessage(state.Identity.ID, field, sensor, stateTopic, device)
		msg.AvailabilityTopic = availabilityTopic
		msg.PayloadAvailable = "online"
		msg.PayloadNotAvailable = "offline"
		messages[ad.discoveryTopic(state.Identity.ID, field)] = msg
	}
	return messages
}

// AggregateMessages builds the discovery messages for one aggregation group.
// Aggregates carry no availability topic: the sums are valid as long as any
// member reports.
func (ad *AutoDiscovery) AggregateMessages(agg domain.SystemAggregate, stateTopic string) map[string]DiscoveryMessage {
	nodeID := agg.Group
	device := DeviceInfo{
		Identifiers:  []string{nodeID},
		Name:         agg.Group,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        "Phase Group",
	}

	messages := make(map[string]DiscoveryMessage)
	for field, sensor := range ad.layout.AggregateSensors {
		messages[ad.discoveryTopic(nodeID, field)] = ad.buildMessage(nodeID, field, sensor, stateTopic, device)
	}
	return messages
}

func (ad *AutoDiscovery) buildMessage(nodeID, field string, sensor SensorConfig, stateTopic string, device DeviceInfo) DiscoveryMessage {
	return DiscoveryMessage{
		Name:                      sensor.Name,
		UniqueID:                  fmt.Sprintf("%s_%s", nodeID, field),
		StateTopic:                stateTopic,
		ValueTemplate:             fmt.Sprintf("{{ value_json.%s }}", field),
		DeviceClass:               sensor.DeviceClass,
		UnitOfMeasurement:         sensor.UnitOfMeasurement,
		StateClass:                sensor.StateClass,
		Icon:                      sensor.Icon,
		EntityCategory:            sensor.Category,
		SuggestedDisplayPrecision: sensor.Precision,
		Device:                    device,
	}
}

// discoveryTopic returns <discovery_prefix>/sensor/<node_id>/<object_id>/config.
func (ad *AutoDiscovery) discoveryTopic(nodeID, field string) string {
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", ad.config.DiscoveryPrefix, nodeID, nodeID, field)
}

// RetainDiscovery reports whether discovery messages should be retained.
func (ad *AutoDiscovery) RetainDiscovery() bool {
	return ad.config.RetainDiscovery
}
