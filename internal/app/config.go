package app

import (
	"errors"
	"time"
)

// Config holds the process-level configuration assembled from CLI flags.
// Non-zero override fields take precedence over the config file.
type Config struct {
	ConfigPath string // cluster config file (hcl)

	ListenAddress     string
	SchedulerAddress  string
	HTTPPort          int // -1 means "not overridden"
	HeartbeatInterval time.Duration
	LogFormat         string
	LogLevel          string
}

// NewConfig validates a Config assembled by the CLI layer.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
