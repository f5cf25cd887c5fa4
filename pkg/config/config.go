// Package config loads and validates the fleet.yaml configuration: YAML with
// shell-style environment expansion, defaults merged in, validated at
// startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ServerConfig groups HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig is the chat-completions provider binding. The API key arrives
// through the environment (expanded from ${...}) and is masked before any
// echo.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// PortsConfig describes the reserved tunnel-port bands.
type PortsConfig struct {
	PhoneStart int `yaml:"phone_start"`
	PhoneEnd   int `yaml:"phone_end"`
	PCStart    int `yaml:"pc_start"`
	PCEnd      int `yaml:"pc_end"`

	ScanIntervalSecs int `yaml:"scan_interval_secs"`
	ReapIntervalSecs int `yaml:"reap_interval_secs"`
}

// SchedulerConfig tunes task execution.
type SchedulerConfig struct {
	MaxSteps        int     `yaml:"max_steps"`
	HistoryWindow   int     `yaml:"history_window"`
	SettleDelayMS   int     `yaml:"settle_delay_ms"`
	Preprocess      *bool   `yaml:"preprocess"`
}

// ScreenshotConfig locates the screenshot store.
type ScreenshotConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// SlackConfig enables operator notifications.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Config is the complete fleet.yaml structure.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	LLM         LLMConfig        `yaml:"llm"`
	Ports       PortsConfig      `yaml:"ports"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Screenshots ScreenshotConfig `yaml:"screenshots"`
	Slack       SlackConfig      `yaml:"slack"`
}

// defaults returns the built-in configuration merged under user values.
func defaults() Config {
	preprocess := true
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		LLM: LLMConfig{
			BaseURL:     "https://open.bigmodel.cn/api/paas/v4",
			Model:       "glm-4v-plus",
			Temperature: 0.1,
			MaxTokens:   2048,
			TimeoutSecs: 120,
		},
		Ports: PortsConfig{
			PhoneStart:       6100,
			PhoneEnd:         6199,
			PCStart:          6200,
			PCEnd:            6299,
			ScanIntervalSecs: 10,
			ReapIntervalSecs: 300,
		},
		Scheduler: SchedulerConfig{
			MaxSteps:      40,
			HistoryWindow: 5,
			SettleDelayMS: 400,
			Preprocess:    &preprocess,
		},
		Screenshots: ScreenshotConfig{BaseDir: "data/screenshots"},
	}
}

// Initialize loads, expands, merges and validates the configuration. A
// missing config file yields pure defaults.
func Initialize(configPath string) (*Config, error) {
	log := slog.With("component", "config", "path", configPath)

	cfg := Config{}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(configPath), err)
		}
	case os.IsNotExist(err):
		log.Info("No config file, using defaults")
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	def := defaults()
	if err := mergo.Merge(&cfg, def); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	log.Info("Configuration initialized",
		"http_port", cfg.Server.Port,
		"model", cfg.LLM.Model,
		"phone_band", fmt.Sprintf("%d-%d", cfg.Ports.PhoneStart, cfg.Ports.PhoneEnd),
		"pc_band", fmt.Sprintf("%d-%d", cfg.Ports.PCStart, cfg.Ports.PCEnd))
	return &cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Ports.PhoneStart > c.Ports.PhoneEnd {
		return fmt.Errorf("ports.phone band is inverted (%d-%d)", c.Ports.PhoneStart, c.Ports.PhoneEnd)
	}
	if c.Ports.PCStart > c.Ports.PCEnd {
		return fmt.Errorf("ports.pc band is inverted (%d-%d)", c.Ports.PCStart, c.Ports.PCEnd)
	}
	if c.Ports.PhoneEnd >= c.Ports.PCStart && c.Ports.PCStart >= c.Ports.PhoneStart {
		return fmt.Errorf("phone and pc port bands overlap")
	}
	if c.Scheduler.MaxSteps <= 0 {
		return fmt.Errorf("scheduler.max_steps must be positive")
	}
	return nil
}

// ScanInterval returns the scanner cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Ports.ScanIntervalSecs) * time.Second
}

// ReapInterval returns the reaper cadence.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Ports.ReapIntervalSecs) * time.Second
}

// SettleDelay returns the kernel settle pause.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Scheduler.SettleDelayMS) * time.Millisecond
}

// PreprocessEnabled reports whether the rule-engine fast path is on.
func (c *Config) PreprocessEnabled() bool {
	return c.Scheduler.Preprocess == nil || *c.Scheduler.Preprocess
}
