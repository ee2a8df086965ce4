package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-xencons"
	"github.com/ehrlich-b/go-xencons/backend"
)

// simConfig is the on-disk configuration. Flags given on the command line
// override it.
type simConfig struct {
	Name string `yaml:"name"`

	Backend struct {
		Domain   uint16 `yaml:"domain"`
		Name     string `yaml:"name"`
		Protocol string `yaml:"protocol"`
		Echo     bool   `yaml:"echo"`
	} `yaml:"backend"`

	Timing struct {
		BackendTimeout time.Duration `yaml:"backendTimeout,omitempty"`
		PollInterval   time.Duration `yaml:"pollInterval,omitempty"`
		PollAttempts   int           `yaml:"pollAttempts,omitempty"`
	} `yaml:"timing"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func defaultSimConfig() simConfig {
	var cfg simConfig
	cfg.Name = xencons.DefaultInstance
	cfg.Backend.Name = backend.DefaultName
	cfg.Backend.Protocol = backend.DefaultProtocol
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// loadSimConfig reads path over the defaults. An empty path yields the
// defaults.
func loadSimConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return simConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return simConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c simConfig) params() xencons.DeviceParams {
	params := xencons.DefaultParams()
	params.Name = c.Name
	if c.Timing.BackendTimeout > 0 {
		params.BackendTimeout = c.Timing.BackendTimeout
	}
	if c.Timing.PollInterval > 0 {
		params.PollInterval = c.Timing.PollInterval
	}
	if c.Timing.PollAttempts > 0 {
		params.PollAttempts = c.Timing.PollAttempts
	}
	return params
}
