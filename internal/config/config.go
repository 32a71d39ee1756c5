package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models storyline.yml.
type Config struct {
	Runner struct {
		VerifyCommand      string  `yaml:"verify_command"`
		AttemptCommand     string  `yaml:"attempt_command"`
		GateTimeoutSeconds int     `yaml:"gate_timeout_seconds"`
		SlackMultiplier    float64 `yaml:"slack_multiplier"`
		DefaultBudget      int     `yaml:"default_budget"`
		DefaultFileBudget  int     `yaml:"default_file_budget"`
	} `yaml:"runner"`
	Tracks   map[string]Track `yaml:"tracks"`
	Webhooks []WebhookConfig  `yaml:"webhooks"`
}

// WebhookConfig declares one event delivery target. An empty Events
// list subscribes to everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Track declares file ownership for one independently-run loop instance.
type Track struct {
	Description string   `yaml:"description"`
	Files       []string `yaml:"files"`
}

// Default returns a runnable baseline config.
func Default() *Config {
	c := &Config{}
	c.Runner.VerifyCommand = "go build ./..."
	c.Runner.GateTimeoutSeconds = 600
	c.Runner.SlackMultiplier = 2.0
	c.Runner.DefaultBudget = 8
	c.Runner.DefaultFileBudget = 20
	return c
}

// Load reads and validates config from workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Runner.VerifyCommand == "" {
		return fmt.Errorf("config.runner.verify_command is required")
	}
	if c.Runner.GateTimeoutSeconds <= 0 {
		return fmt.Errorf("config.runner.gate_timeout_seconds must be positive")
	}
	if c.Runner.SlackMultiplier < 1 {
		return fmt.Errorf("config.runner.slack_multiplier must be >= 1")
	}
	if c.Runner.DefaultBudget <= 0 {
		return fmt.Errorf("config.runner.default_budget must be positive")
	}
	if c.Runner.DefaultFileBudget < 0 {
		return fmt.Errorf("config.runner.default_file_budget must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d: timeout_seconds must not be negative", i)
		}
	}
	for name, track := range c.Tracks {
		if name == "" {
			return fmt.Errorf("config.tracks contains empty track name")
		}
		for _, f := range track.Files {
			if f == "" {
				return fmt.Errorf("track %s declares empty file path", name)
			}
		}
	}
	return nil
}

// GateTimeout returns the verification gate timeout as a duration.
func (c *Config) GateTimeout() time.Duration {
	return time.Duration(c.Runner.GateTimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}
