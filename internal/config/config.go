// Package config loads the service's YAML configuration: Redis connection,
// listen address and the symbol allow-list. Heartbeat and broadcast
// periods are not configurable; they are compile-time constants in the
// session and broadcaster packages.
package config

import "fmt"

// Config is the complete application configuration.
type Config struct {
	Redis   RedisConfig  `yaml:"redis"`
	Server  ServerConfig `yaml:"server"`
	Symbols []string     `yaml:"symbols"`
}

// RedisConfig describes the upstream pub/sub and time-series store
// connection, both served by the same Redis instance in this deployment.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ServerConfig describes the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Addr renders the Redis connection as host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the fields this core actually depends on: a non-empty
// symbol allow-list and a listen address.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: symbols allow-list must not be empty")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must not be empty")
	}
	return nil
}
