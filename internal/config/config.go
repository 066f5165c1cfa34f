// Package config provides configuration management for the go-pi30 application.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DeviceConfig describes one physical inverter on a serial link.
type DeviceConfig struct {
	Name               string `mapstructure:"name"`
	Port               string `mapstructure:"port"`
	BaudRate           int    `mapstructure:"baud_rate"`
	ReadTimeoutSeconds int    `mapstructure:"read_timeout_seconds"`
	Phase              string `mapstructure:"phase"`
	Group              string `mapstructure:"group"`
	PVSecondary        bool   `mapstructure:"pv_secondary"`
	FailureThreshold   int    `mapstructure:"failure_threshold"`
}

// ID returns the topic-safe identifier derived from the device name.
func (d DeviceConfig) ID() string {
	id := strings.ToLower(strings.TrimSpace(d.Name))
	id = strings.ReplaceAll(id, " ", "_")
	return id
}

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel            string `mapstructure:"log_level"`
	ReadIntervalSeconds int    `mapstructure:"read_interval_seconds"`
	PreferStablePaths   bool   `mapstructure:"prefer_stable_paths"`

	// Legacy single-device serial settings, accepted for configurations
	// written before the devices list existed.
	Serial struct {
		Port               string `mapstructure:"port"`
		BaudRate           int    `mapstructure:"baud_rate"`
		ReadTimeoutSeconds int    `mapstructure:"read_timeout_seconds"`
	} `mapstructure:"serial"`

	// Devices to poll
	Devices []DeviceConfig `mapstructure:"devices"`

	// MQTT settings
	MQTT struct {
		Enabled   bool   `mapstructure:"enabled"`
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		BaseTopic string `mapstructure:"base_topic"`

		// Legacy per-metric topics kept for consumers of the original
		// single-device scheme. Applies to the first configured device only.
		LegacyTopic struct {
			Enabled   bool   `mapstructure:"enabled"`
			BaseTopic string `mapstructure:"base_topic"`
		} `mapstructure:"legacy_topic"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled              bool   `mapstructure:"enabled"`
			DiscoveryPrefix      string `mapstructure:"discovery_prefix"`
			DeviceManufacturer   string `mapstructure:"device_manufacturer"`
			DeviceModel          string `mapstructure:"device_model"`
			RetainDiscovery      bool   `mapstructure:"retain_discovery"`
			ListenToBirthMessage bool   `mapstructure:"listen_to_birth_message"`
			RediscoveryInterval  int    `mapstructure:"rediscovery_interval_hours"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:            "info",
		ReadIntervalSeconds: 30,
		PreferStablePaths:   true,
	}

	// Default legacy serial settings
	cfg.Serial.BaudRate = 2400
	cfg.Serial.ReadTimeoutSeconds = 3

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.BaseTopic = "pi30"
	cfg.MQTT.LegacyTopic.Enabled = true
	cfg.MQTT.LegacyTopic.BaseTopic = "easun"

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "EASUN"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "PI30 Inverter"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = true
	cfg.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval = 24

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("PI30")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Normalize fills per-device defaults, folds a legacy single-device serial
// block into the devices list, and validates the result. Both configuration
// shapes are accepted without requiring deprecated fields.
func (c *Config) Normalize() error {
	if len(c.Devices) == 0 && c.Serial.Port != "" {
		c.Devices = append(c.Devices, DeviceConfig{
			Name:               "Inverter",
			Port:               c.Serial.Port,
			BaudRate:           c.Serial.BaudRate,
			ReadTimeoutSeconds: c.Serial.ReadTimeoutSeconds,
		})
	}

	if len(c.Devices) == 0 {
		return errors.New("no devices configured: set serial.port or a devices list")
	}

	if c.ReadIntervalSeconds <= 0 {
		c.ReadIntervalSeconds = 30
	}

	seenPorts := make(map[string]bool)
	seenIDs := make(map[string]bool)
	phased := 0

	for i := range c.Devices {
		d := &c.Devices[i]

		if d.Port == "" {
			return fmt.Errorf("device %d has no port", i)
		}
		if d.Name == "" {
			if d.Phase != "" {
				d.Name = "Inverter " + strings.ToUpper(d.Phase)
			} else if len(c.Devices) == 1 {
				d.Name = "Inverter"
			} else {
				d.Name = fmt.Sprintf("Inverter %d", i+1)
			}
		}
		if d.BaudRate <= 0 {
			d.BaudRate = 2400
		}
		if d.ReadTimeoutSeconds <= 0 {
			d.ReadTimeoutSeconds = 3
		}
		if d.FailureThreshold <= 0 {
			d.FailureThreshold = 3
		}
		if d.Phase != "" {
			phased++
		}

		if seenPorts[d.Port] {
			return fmt.Errorf("duplicate device port %s", d.Port)
		}
		seenPorts[d.Port] = true

		if seenIDs[d.ID()] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seenIDs[d.ID()] = true
	}

	// Devices with phase roles form one logical system unless grouped
	// explicitly.
	if phased >= 2 {
		for i := range c.Devices {
			if c.Devices[i].Phase != "" && c.Devices[i].Group == "" {
				c.Devices[i].Group = "system"
			}
		}
	}

	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-pi30 Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Int("read_interval_seconds", c.ReadIntervalSeconds).Msg("Read Interval")
	logger.Info().Bool("prefer_stable_paths", c.PreferStablePaths).Msg("Prefer Stable Device Paths")

	for _, d := range c.Devices {
		logger.Info().
			Str("name", d.Name).
			Str("port", d.Port).
			Int("baud_rate", d.BaudRate).
			Str("phase", d.Phase).
			Str("group", d.Group).
			Bool("pv_secondary", d.PVSecondary).
			Msg("Device")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("base_topic", c.MQTT.BaseTopic).
			Bool("legacy_topic", c.MQTT.LegacyTopic.Enabled).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Msg("-----------------------------")
}
