package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the bridge.
type Config struct {
	// Listen ports
	NativePort int `envconfig:"BROP_NATIVE_PORT" default:"9225"`
	CDPPort    int `envconfig:"BROP_CDP_PORT" default:"9222"`
	ExtPort    int `envconfig:"BROP_EXT_PORT" default:"9224"`

	// When set, the bridge dials the extension agent at this websocket URL
	// (with reconnect backoff) instead of listening on ExtPort.
	ExtURL string `envconfig:"BROP_EXT_URL" default:""`

	// Size of the in-memory call log ring.
	LogLimit int `envconfig:"BROP_LOG_LIMIT" default:"1000"`

	// Per-request deadline for upstream calls, in seconds.
	RequestTimeoutSec int `envconfig:"BROP_REQUEST_TIMEOUT_SEC" default:"15"`

	// Deadline for the initial extension link handshake, in seconds.
	HandshakeTimeoutSec int `envconfig:"BROP_HANDSHAKE_TIMEOUT_SEC" default:"5"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	ports := map[string]int{
		"BROP_NATIVE_PORT": config.NativePort,
		"BROP_CDP_PORT":    config.CDPPort,
		"BROP_EXT_PORT":    config.ExtPort,
	}
	for name, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%s must be a valid TCP port", name)
		}
	}
	if config.LogLimit <= 0 {
		return fmt.Errorf("BROP_LOG_LIMIT must be greater than 0")
	}
	if config.RequestTimeoutSec <= 0 {
		return fmt.Errorf("BROP_REQUEST_TIMEOUT_SEC must be greater than 0")
	}
	if config.HandshakeTimeoutSec <= 0 {
		return fmt.Errorf("BROP_HANDSHAKE_TIMEOUT_SEC must be greater than 0")
	}

	return nil
}
