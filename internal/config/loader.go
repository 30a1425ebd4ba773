package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRuntime reads a runtime configuration YAML document layered over the
// defaults.
func LoadRuntime(path string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("read runtime config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse runtime config %s: %w", path, err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, fmt.Errorf("runtime config %s: %w", path, err)
	}
	return cfg, nil
}
