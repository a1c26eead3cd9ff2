package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by FromEnv.
const EnvPrefix = "WSTERM"

// FromFile overlays the YAML document at path onto base.
// Keys absent from the file keep their value from base.
func FromFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Logger = base.Logger
	return cfg, nil
}

// FromEnv overlays WSTERM_* environment variables onto base.
func FromEnv(base Config) (Config, error) {
	cfg := base
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return base, fmt.Errorf("failed to load environment: %w", err)
	}
	return cfg, nil
}
