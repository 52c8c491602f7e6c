package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges, and validates the configuration file.
//
// Steps performed:
//  1. Read the YAML file and expand environment variables ({{.VAR}})
//  2. Strict-decode into the raw shape (unknown keys are rejected)
//  3. Merge user values over built-in defaults
//  4. Apply CABANA_* environment overrides
//  5. Validate and resolve into the public Config
func Load(path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Loading configuration")

	user, err := loadYAML(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	merged := defaultFileConfig()
	if err := mergo.Merge(merged, user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("failed to merge defaults: %w", err))
	}

	if err := env.Parse(merged); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("failed to apply environment overrides: %w", err))
	}

	cfg, err := resolve(merged)
	if err != nil {
		return nil, err
	}

	log.Info("Configuration loaded",
		"topics", len(cfg.Channels),
		"scopes", len(cfg.Scopes),
		"storage_type", cfg.Storage.Type,
		"max_reconnect", cfg.MaxReconnect)

	return cfg, nil
}

// FromEnv builds a configuration entirely from CABANA_* environment
// variables, without a YAML file. Intended for containerized deployments.
func FromEnv() (*Config, error) {
	merged := defaultFileConfig()
	if err := env.Parse(merged); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return resolve(merged)
}

func loadYAML(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	expanded := ExpandEnv(data)

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	// Unknown keys are configuration mistakes, not extensions.
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &fc, nil
}
