// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-pi30/internal/config"
	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/resident-x/go-pi30/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// PublishDeviceState is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishDeviceState(_ context.Context, _ domain.DeviceState) error {
	return nil
}

// PublishAggregate is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishAggregate(_ context.Context, _ domain.SystemAggregate) error {
	return nil
}

// PublishAvailability is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishAvailability(_ context.Context, _ string, _ bool) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	mu sync.Mutex

	config    *config.Config
	client    mqtt.Client
	connected bool
	logger    zerolog.Logger

	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool // Track which discovery topics have been published
	lastDiscoveryTime time.Time
	birthSubscribed   bool

	// Legacy per-metric topics are emitted for this device only.
	primaryDeviceID string
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		config:            cfg,
		discoveredSensors: make(map[string]bool),
		logger:            log.With().Str("component", "mqtt").Logger(),
	}
	if len(cfg.Devices) > 0 {
		p.primaryDeviceID = cfg.Devices[0].ID()
	}

	if cfg.MQTT.HomeAssistantAutoDiscovery.Enabled {
		ha, err := homeassistant.New(homeassistant.Config{
			Enabled:            true,
			DiscoveryPrefix:    cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix,
			DeviceManufacturer: cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer,
			DeviceModel:        cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel,
			RetainDiscovery:    cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up Home Assistant discovery: %w", err)
		}
		p.haDiscovery = ha
	}

	return p, nil
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) (*MQTTPublisher, error) {
	p, err := NewMQTTPublisher(cfg)
	if err != nil {
		return nil, err
	}
	p.client = client
	return p, nil
}

func bridgeAvailabilityTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/availability", baseTopic)
}

func (p *MQTTPublisher) stateTopic(nodeID string) string {
	return fmt.Sprintf("%s/%s/state", p.config.MQTT.BaseTopic, nodeID)
}

func (p *MQTTPublisher) availabilityTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/availability", p.config.MQTT.BaseTopic, deviceID)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.setupClientWithHandlers()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	// Counterpart to the offline will message
	if err := p.publishRaw(ctx, bridgeAvailabilityTopic(p.config.MQTT.BaseTopic), "online", true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish bridge availability")
	}

	// Subscribe to birth message if enabled
	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled && p.config.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage {
		p.subscribeToBirthMessage()
	}

	return nil
}

// setupClientWithHandlers builds the MQTT client with connection event handlers.
func (p *MQTTPublisher) setupClientWithHandlers() {
	onConnect := func(client mqtt.Client) {
		p.logger.Info().Msg("MQTT connection established")
		p.mu.Lock()
		p.connected = true
		// Clear discovered sensors on reconnect to trigger re-discovery
		p.discoveredSensors = make(map[string]bool)
		p.lastDiscoveryTime = time.Time{}
		p.mu.Unlock()
	}

	onConnectionLost := func(client mqtt.Client, err error) {
		p.mu.Lock()
		p.connected = false
		p.birthSubscribed = false
		p.mu.Unlock()
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-pi30-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false).
		SetWill(bridgeAvailabilityTopic(p.config.MQTT.BaseTopic), "offline", 0, true).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onConnectionLost)

	if p.config.MQTT.Username != "" {
		opts.SetUsername(p.config.MQTT.Username)
		opts.SetPassword(p.config.MQTT.Password)
	}

	p.client = mqtt.NewClient(opts)
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mu.Lock()
	already := p.birthSubscribed || !p.connected
	p.mu.Unlock()
	if already {
		return
	}

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)

	token := p.client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mu.Lock()
	p.birthSubscribed = true
	p.mu.Unlock()
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage handles Home Assistant birth messages.
func (p *MQTTPublisher) handleBirthMessage(client mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())

	// When Home Assistant comes online, clear the discovery cache so every
	// sensor is announced again.
	if payload == "online" {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mu.Lock()
		p.discoveredSensors = make(map[string]bool)
		p.lastDiscoveryTime = time.Time{}
		p.mu.Unlock()
	}
}

// shouldRediscover checks if we should perform periodic rediscovery.
// Caller holds the mutex.
func (p *MQTTPublisher) shouldRediscoverLocked() bool {
	if p.config.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval <= 0 {
		return false
	}
	if p.lastDiscoveryTime.IsZero() {
		return true
	}
	interval := time.Duration(p.config.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval) * time.Hour
	return time.Since(p.lastDiscoveryTime) >= interval
}

// PublishDeviceState publishes discovery messages (first-seen), the retained
// JSON state payload and, for the primary device, the legacy per-metric topics.
func (p *MQTTPublisher) PublishDeviceState(ctx context.Context, state domain.DeviceState) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	payload := FlattenState(state)
	topic := p.stateTopic(state.Identity.ID)

	if p.haDiscovery != nil {
		fields := make([]string, 0, len(payload))
		for field := range payload {
			fields = append(fields, field)
		}
		messages := p.haDiscovery.DeviceMessages(state, fields, topic, p.availabilityTopic(state.Identity.ID))
		if err := p.publishDiscovery(ctx, messages); err != nil {
			return err
		}
	}

	if err := p.publishJSON(ctx, topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish device state: %w", err)
	}

	if p.config.MQTT.LegacyTopic.Enabled && state.Identity.ID == p.primaryDeviceID {
		if err := p.publishLegacyTopics(ctx, state.Identity.ID, payload); err != nil {
			return err
		}
	}

	return nil
}

// PublishAggregate publishes discovery and state for a system aggregate.
func (p *MQTTPublisher) PublishAggregate(ctx context.Context, agg domain.SystemAggregate) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	topic := p.stateTopic(agg.Group)

	if p.haDiscovery != nil {
		if err := p.publishDiscovery(ctx, p.haDiscovery.AggregateMessages(agg, topic)); err != nil {
			return err
		}
	}

	payload := map[string]interface{}{
		"active_power":   agg.ActivePower,
		"apparent_power": agg.ApparentPower,
		"pv_power":       agg.PVPower,
		"members":        agg.Members,
	}
	if err := p.publishJSON(ctx, topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish system aggregate: %w", err)
	}
	return nil
}

// PublishAvailability marks a device online or offline. The message is
// retained so Home Assistant sees the last known availability after restarts.
func (p *MQTTPublisher) PublishAvailability(ctx context.Context, deviceID string, online bool) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	payload := "offline"
	if online {
		payload = "online"
	}
	return p.publishRaw(ctx, p.availabilityTopic(deviceID), payload, true)
}

// publishDiscovery publishes the not-yet-announced discovery messages.
func (p *MQTTPublisher) publishDiscovery(ctx context.Context, messages map[string]homeassistant.DiscoveryMessage) error {
	p.mu.Lock()
	rediscover := p.shouldRediscoverLocked()
	pending := make(map[string]homeassistant.DiscoveryMessage)
	for topic, msg := range messages {
		if rediscover || !p.discoveredSensors[topic] {
			pending[topic] = msg
			p.discoveredSensors[topic] = true
		}
	}
	if rediscover {
		p.lastDiscoveryTime = time.Now()
	}
	p.mu.Unlock()

	for topic, msg := range pending {
		if err := p.publishJSON(ctx, topic, msg, p.haDiscovery.RetainDiscovery()); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}
	}
	return nil
}

// publishLegacyTopics emits one scalar topic per metric under the legacy base.
func (p *MQTTPublisher) publishLegacyTopics(ctx context.Context, deviceID string, payload map[string]interface{}) error {
	for field, value := range payload {
		topic := fmt.Sprintf("%s/%s/%s", p.config.MQTT.LegacyTopic.BaseTopic, deviceID, field)
		if err := p.publishRaw(ctx, topic, fmt.Sprintf("%v", value), false); err != nil {
			return fmt.Errorf("failed to publish legacy topic %s: %w", topic, err)
		}
	}
	return nil
}

// publishJSON marshals data and publishes it with a bounded wait.
func (p *MQTTPublisher) publishJSON(ctx context.Context, topic string, data interface{}, retain bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	return p.publishRaw(ctx, topic, string(jsonData), retain)
}

// publishRaw publishes a payload with a bounded wait.
func (p *MQTTPublisher) publishRaw(ctx context.Context, topic, payload string, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}
	return nil
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	connected := p.connected
	p.connected = false
	p.mu.Unlock()

	if p.client != nil && connected {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
	}
	return nil
}

// FlattenState flattens every decoded metric of a device into one JSON-ready
// payload. Later query sets never collide with earlier ones: field names are
// unique across layouts.
func FlattenState(state domain.DeviceState) map[string]interface{} {
	payload := make(map[string]interface{})
	for _, set := range state.Metrics {
		for name, metric := range set.Values {
			payload[name] = metric.Display()
		}
	}
	payload["available"] = state.Available
	if !state.LastSuccess.IsZero() {
		payload["last_update"] = state.LastSuccess.UTC().Format(time.RFC3339)
	}
	return payload
}
