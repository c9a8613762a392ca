// ABOUTME: Swarm configuration — defaulted tunables for timeouts, frame
// ABOUTME: size, reconnect backoff, and concurrency, optionally loaded
// ABOUTME: from a .pi/swarm.yaml file.
package swarm

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable spec.md leaves as a constant or an Open
// Question. Zero-value fields are filled in from DefaultConfig by normalize.
// Run reads RegistrationTimeout and DefaultConcurrency; the other fields are
// values for callers to pass on themselves.
type Config struct {
	// RegistrationTimeout bounds how long a newly spawned agent may stay
	// in StatusStarting before being forced to StatusCrashed.
	RegistrationTimeout time.Duration `yaml:"registrationTimeout"`

	// GracefulShutdownTimeout and GracefulShutdownPoll resolve spec.md
	// §9 Open Question (a): they hold the timeout and poll interval
	// (default 30s/2s) for a caller to pass to GracefulShutdown, which
	// takes both as arguments and does not read Config itself.
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
	GracefulShutdownPoll    time.Duration `yaml:"gracefulShutdownPoll"`

	// MaxFrameSize holds a frame size limit for a caller to set as the
	// MaxFrameSize of channels and TCP bridge endpoints; nothing in this
	// package applies it.
	MaxFrameSize int `yaml:"maxFrameSize"`

	// ReconnectInitialDelay and ReconnectMaxDelay hold backoff bounds for a
	// caller to set as a bridge.Client's InitialDelay and MaxDelay; nothing
	// in this package applies them.
	ReconnectInitialDelay time.Duration `yaml:"reconnectInitialDelay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnectMaxDelay"`

	// DefaultConcurrency is the worker-pool size blocking mode uses when
	// the caller doesn't specify one.
	DefaultConcurrency int `yaml:"defaultConcurrency"`
}

// DefaultConfig returns spec.md's defaults: 30s registration timeout, 30s/
// 2s graceful shutdown timeout/poll, 16 MiB frames, 500ms/30s reconnect
// bounds, and a concurrency of 1.
func DefaultConfig() Config {
	return Config{
		RegistrationTimeout:     30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		GracefulShutdownPoll:    2 * time.Second,
		MaxFrameSize:            16 * 1024 * 1024,
		ReconnectInitialDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:       30 * time.Second,
		DefaultConcurrency:      1,
	}
}

// normalize fills any zero-valued field in cfg with DefaultConfig's
// value, so a partially-specified YAML file only overrides what it sets.
func (cfg Config) normalize() Config {
	def := DefaultConfig()
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = def.RegistrationTimeout
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	if cfg.GracefulShutdownPoll <= 0 {
		cfg.GracefulShutdownPoll = def.GracefulShutdownPoll
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = def.ReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = def.DefaultConcurrency
	}
	return cfg
}

// LoadConfig reads a .pi/swarm.yaml file at path and merges it over
// DefaultConfig. A missing file is not an error — callers get the
// defaults back.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("swarm: read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("swarm: parse config %s: %w", path, err)
	}
	return cfg.normalize(), nil
}
