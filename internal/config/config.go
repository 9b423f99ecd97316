// Package config loads the server configuration from the app home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	otelx "github.com/michaeljabbour/amplifier-web/internal/otel"
)

// RetentionConfig controls the pruning of closed sessions.
type RetentionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MaxAgeDays    int    `yaml:"max_age_days"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ApprovalConfig tunes approval timeouts, in seconds.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config is the server configuration, read from <home>/config.yaml.
type Config struct {
	BindAddr       string          `yaml:"bind_addr"`
	LogLevel       string          `yaml:"log_level"`
	Quiet          bool            `yaml:"quiet"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	ShowThinking   bool            `yaml:"show_thinking"`
	Engine         string          `yaml:"engine"`
	Approval       ApprovalConfig  `yaml:"approval"`
	Retention      RetentionConfig `yaml:"retention"`
	Telemetry      otelx.Config    `yaml:"telemetry"`
}

// HomeDir resolves the app home: AMPLIFIER_WEB_HOME or ~/.amplifier-web.
func HomeDir() (string, error) {
	if dir := os.Getenv("AMPLIFIER_WEB_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".amplifier-web"), nil
}

// BundlesDir is where bundle manifests live.
func BundlesDir(homeDir string) string {
	return filepath.Join(homeDir, "bundles")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindAddr: "127.0.0.1:8701",
		LogLevel: "info",
		Engine:   "echo",
		Approval: ApprovalConfig{TimeoutSeconds: 300},
		Retention: RetentionConfig{
			Enabled:       false,
			MaxAgeDays:    30,
			SweepSchedule: "0 3 * * *",
		},
		Telemetry: otelx.Config{Exporter: "none"},
	}
}

// Load reads <homeDir>/config.yaml over the defaults. A missing file is the
// default configuration.
func Load(homeDir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = Default().BindAddr
	}
	if cfg.Approval.TimeoutSeconds <= 0 {
		cfg.Approval.TimeoutSeconds = 300
	}
	if cfg.Retention.MaxAgeDays <= 0 {
		cfg.Retention.MaxAgeDays = 30
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = Default().Retention.SweepSchedule
	}
	return cfg, nil
}
