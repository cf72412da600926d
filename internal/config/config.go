// Package config is the YAML-backed configuration store for the four
// parameters spec.md §6 recognizes, with an optional environment/flag
// overlay via viper (SPEC_FULL.md §10/§11).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds spec.md §6's parameter table.
type Config struct {
	FiberStackSize   int   `yaml:"fiber_stack_size"`
	TCPConnectTimeMS int64 `yaml:"tcp_connect_timeout_ms"`
	ReactorMaxBatch  int   `yaml:"reactor_max_batch"`
	ReactorMaxWaitMS int64 `yaml:"reactor_max_wait_ms"`
}

// Default returns spec §6's documented defaults.
func Default() Config {
	return Config{
		FiberStackSize:   1 << 20,
		TCPConnectTimeMS: 5000,
		ReactorMaxBatch:  256,
		ReactorMaxWaitMS: 5000,
	}
}

// Load reads a YAML config file at path, falling back to Default() for
// any field the file omits. A missing file is not an error: Default() is
// returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("hiper: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("hiper: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Overlay layers environment variables and bound CLI flags from v on top
// of cfg, returning the merged result. Viper keys are expected to mirror
// the YAML tags (e.g. HIPER_TCP_CONNECT_TIMEOUT_MS via v.SetEnvPrefix).
func Overlay(cfg Config, v *viper.Viper) Config {
	if v.IsSet("fiber_stack_size") {
		cfg.FiberStackSize = v.GetInt("fiber_stack_size")
	}
	if v.IsSet("tcp_connect_timeout_ms") {
		cfg.TCPConnectTimeMS = v.GetInt64("tcp_connect_timeout_ms")
	}
	if v.IsSet("reactor_max_batch") {
		cfg.ReactorMaxBatch = v.GetInt("reactor_max_batch")
	}
	if v.IsSet("reactor_max_wait_ms") {
		cfg.ReactorMaxWaitMS = v.GetInt64("reactor_max_wait_ms")
	}
	return cfg
}

// NewViper builds a viper instance bound to the HIPER_ env prefix, ready
// to be passed to Overlay after the caller binds any CLI flags it wants
// to take precedence.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HIPER")
	v.AutomaticEnv()
	return v
}
