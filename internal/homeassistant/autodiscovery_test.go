package homeassistant

import (
	"testing"

	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDiscovery(t *testing.T) *AutoDiscovery {
	t.Helper()
	ad, err := New(Config{
		Enabled:            true,
		DiscoveryPrefix:    "homeassistant",
		DeviceManufacturer: "EASUN",
		DeviceModel:        "PI30 Inverter",
		RetainDiscovery:    true,
	})
	require.NoError(t, err)
	return ad
}

func TestNewLoadsLayout(t *testing.T) {
	ad := testDiscovery(t)
	assert.NotEmpty(t, ad.layout.Sensors)
	assert.NotEmpty(t, ad.layout.AggregateSensors)
	assert.True(t, ad.RetainDiscovery())
}

func TestDeviceMessages(t *testing.T) {
	ad := testDiscovery(t)

	state := domain.DeviceState{
		Identity: domain.DeviceIdentity{
			ID:   "inverter_l1",
			Name: "Inverter L1",
		},
		SerialNumber:    "96332309100452",
		FirmwareVersion: "VERFW:00072.70",
	}
	fields := []string{"battery_voltage", "ac_output_active_power", "not_a_sensor"}

	messages := ad.DeviceMessages(state, fields,
		"pi30/inverter_l1/state", "pi30/inverter_l1/availability")

	// Unknown fields get no discovery message.
	require.Len(t, messages, 2)

	topic := "homeassistant/sensor/inverter_l1/inverter_l1_battery_voltage/config"
	msg, ok := messages[topic]
	require.True(t, ok, "expected discovery topic %s", topic)

	assert.Equal(t, "Battery Voltage", msg.Name)
	assert.Equal(t, "inverter_l1_battery_voltage", msg.UniqueID)
	assert.Equal(t, "pi30/inverter_l1/state", msg.StateTopic)
	assert.Equal(t, "{{ value_json.battery_voltage }}", msg.ValueTemplate)
	assert.Equal(t, "voltage", msg.DeviceClass)
	assert.Equal(t, "V", msg.UnitOfMeasurement)
	assert.Equal(t, "measurement", msg.StateClass)
	assert.Equal(t, 3, msg.SuggestedDisplayPrecision)

	assert.Equal(t, "pi30/inverter_l1/availability", msg.AvailabilityTopic)
	assert.Equal(t, "online", msg.PayloadAvailable)
	assert.Equal(t, "offline", msg.PayloadNotAvailable)

	assert.Equal(t, []string{"inverter_l1"}, msg.Device.Identifiers)
	assert.Equal(t, "Inverter L1", msg.Device.Name)
	assert.Equal(t, "EASUN", msg.Device.Manufacturer)
	assert.Equal(t, "PI30 Inverter", msg.Device.Model)
	assert.Equal(t, "VERFW:00072.70", msg.Device.SwVersion)
	assert.Equal(t, "96332309100452", msg.Device.SerialNumber)
}

func TestDeviceMessagesStable(t *testing.T) {
	ad := testDiscovery(t)
	state := domain.DeviceState{Identity: domain.DeviceIdentity{ID: "inv", Name: "Inv"}}
	fields := []string{"battery_voltage", "grid_voltage"}

	first := ad.DeviceMessages(state, fields, "pi30/inv/state", "pi30/inv/availability")
	second := ad.DeviceMessages(state, fields, "pi30/inv/state", "pi30/inv/availability")
	assert.Equal(t, first, second)
}

func TestAggregateMessages(t *testing.T) {
	ad := testDiscovery(t)

	agg := domain.SystemAggregate{Group: "system"}
	messages := ad.AggregateMessages(agg, "pi30/system/state")

	require.Len(t, messages, 3)

	topic := "homeassistant/sensor/system/system_active_power/config"
	msg, ok := messages[topic]
	require.True(t, ok)

	assert.Equal(t, "System Active Power", msg.Name)
	assert.Equal(t, "system_active_power", msg.UniqueID)
	assert.Equal(t, "{{ value_json.active_power }}", msg.ValueTemplate)
	assert.Equal(t, "power", msg.DeviceClass)
	assert.Empty(t, msg.AvailabilityTopic)
	assert.Equal(t, "Phase Group", msg.Device.Model)
}
