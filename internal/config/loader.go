package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigLoader reads and defaults the YAML configuration file.
type ConfigLoader struct{}

// NewConfigLoader builds a ConfigLoader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig reads filename, unmarshals it as YAML, and applies defaults
// for anything left unset.
func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Redis.Host == "" {
		config.Redis.Host = "localhost"
	}
	if config.Redis.Port == 0 {
		config.Redis.Port = 6379
	}
	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = 10
	}
	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = ":8899"
	}
	if len(config.Symbols) == 0 {
		config.Symbols = []string{"BTC/USDT"}
	}

	return &config, nil
}
