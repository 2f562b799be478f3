package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration file.
type Config struct {
	Store struct {
		// Path to the Bolt-backed store file.
		Path string `yaml:"path"`
	} `yaml:"store"`
	// MetadataChannel overrides the metadata channel name.
	MetadataChannel string `yaml:"metadata_channel"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Store.Path = "discobase.db"
	cfg.MetadataChannel = "discobase_metadata"
	cfg.LogLevel = "info"
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("%s: store.path must be set", path)
	}
	return cfg, nil
}
