package fire

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the pipeline configuration from a YAML file. Keys that are
// absent keep their DefaultConfig value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	ApplyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnvOverrides lets MQTT_* and FIREMESH_DB environment variables win
// over file values.
func ApplyEnvOverrides(config *Config) {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		config.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		config.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		config.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		config.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		config.MQTT.PublishPrefix = v
	}
	if v := os.Getenv("FIREMESH_DB"); v != "" {
		config.Store.Path = v
	}
}

// YearSet converts the configured years into a lookup; nil means all years.
func (c *Config) YearSet() map[int]struct{} {
	if len(c.Years) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(c.Years))
	for _, y := range c.Years {
		set[y] = struct{}{}
	}
	return set
}
