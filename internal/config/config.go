// Package config loads client and dev server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	API       APIConfig
	Socket    SocketConfig
	Store     StoreConfig
	Logging   LogConfig
	DevServer DevServerConfig
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	URL        string        `envconfig:"CHAT_API_URL" default:"http://localhost:8080"`
	Timeout    time.Duration `envconfig:"CHAT_REQUEST_TIMEOUT" default:"10s"`
	RateLimit  float64       `envconfig:"CHAT_RATE_LIMIT_RPS" default:"5"`
	MaxRetries int           `envconfig:"CHAT_MAX_RETRIES" default:"2"`
}

// SocketConfig holds the websocket settings.
type SocketConfig struct {
	URL         string        `envconfig:"CHAT_SOCKET_URL" default:"ws://localhost:8080/ws"`
	DialTimeout time.Duration `envconfig:"CHAT_DIAL_TIMEOUT" default:"5s"`
}

// StoreConfig holds the persisted session location. An empty path keeps the
// session in memory only.
type StoreConfig struct {
	Path string `envconfig:"CHAT_STORE_PATH" default:".magichat/session"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// DevServerConfig holds the dev backend settings.
type DevServerConfig struct {
	Addr string `envconfig:"DEVSERVER_ADDR" default:":8080"`
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			URL:        "http://localhost:8080",
			Timeout:    10 * time.Second,
			RateLimit:  5,
			MaxRetries: 2,
		},
		Socket: SocketConfig{
			URL:         "ws://localhost:8080/ws",
			DialTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Path: ".magichat/session",
		},
		Logging: LogConfig{
			Level: "info",
		},
		DevServer: DevServerConfig{
			Addr: ":8080",
		},
	}
}
