// Copyright 2026 The Fleetrun Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	fleeterrors "github.com/fleetrun/fleetrun/pkg/errors"
)

// Config is the daemon configuration.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Mail     MailConfig     `yaml:"mail"`
	Slack    SlackConfig    `yaml:"slack"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Security SecurityConfig `yaml:"security"`
	Engine   EngineConfig   `yaml:"engine"`
}

// AppConfig identifies the deployment.
type AppConfig struct {
	// Address is the externally reachable base URL, used to assemble
	// result links in notifications.
	Address string `yaml:"address"`
}

// RedisConfig configures the optional external KV service. An empty URL
// selects the in-process state tree and stop flags.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig configures the object store backend. An empty path
// selects the embedded memory store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// MailConfig configures the SMTP notification transport.
type MailConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Sender   string `yaml:"sender"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SlackConfig configures the chat notification transport. The bot token
// comes from the SLACK_TOKEN environment variable, not the file.
type SlackConfig struct {
	Channel string `yaml:"channel"`
}

// WebhookConfig configures the webhook notification transport.
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// SecurityConfig scopes what user expressions may reach.
type SecurityConfig struct {
	// DeniedHelpers lists helper bindings stripped from every evaluation
	// scope.
	DeniedHelpers []string `yaml:"denied_helpers"`

	// AllowedModels whitelists model names per store operation
	// (fetch, fetch_all, factory, delete).
	AllowedModels map[string][]string `yaml:"allowed_models"`
}

// EngineConfig bounds the runner.
type EngineConfig struct {
	// MaxProcesses caps the per-run worker pool when the service does not
	// set its own bound.
	MaxProcesses int `yaml:"max_processes"`

	// LogLevel is the run log verbosity (0 disables run logs).
	LogLevel int `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			AllowedModels: map[string][]string{
				"fetch":     {"device", "pool", "service", "result"},
				"fetch_all": {"device", "pool"},
				"factory":   {"device", "pool"},
				"delete":    {},
			},
		},
		Engine: EngineConfig{MaxProcesses: 10, LogLevel: 1},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &fleeterrors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &fleeterrors.ConfigError{Key: path, Reason: "cannot parse config file", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Engine.MaxProcesses < 1 {
		return &fleeterrors.ConfigError{
			Key:    "engine.max_processes",
			Reason: fmt.Sprintf("must be at least 1, got %d", c.Engine.MaxProcesses),
		}
	}
	if c.Mail.Server != "" && c.Mail.Sender == "" {
		return &fleeterrors.ConfigError{Key: "mail.sender", Reason: "required when mail.server is set"}
	}
	return nil
}
