// Package config loads the gateway configuration from the dyno data
// directory. Missing files and missing fields fall back to defaults so a
// fresh install runs without any config at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the websocket server settings.
type GatewayConfig struct {
	ListenAddr   string   `yaml:"listen_addr"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// LLMConfig names the models used by each tier.
type LLMConfig struct {
	// TriageModel is the cheap model used by the heartbeat triage pass.
	TriageModel string `yaml:"triage_model"`
	// ActionModel is the full-capability model used by tool loops.
	ActionModel string `yaml:"action_model"`
	MaxTokens   int    `yaml:"max_tokens"`
	// CallTimeoutSeconds bounds a single model call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// AgentConfig holds agent manager settings.
type AgentConfig struct {
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	MaxIterations        int `yaml:"max_iterations"`
}

// HeartbeatConfig holds per-user defaults for autonomous mode.
type HeartbeatConfig struct {
	IntervalMinutes   int     `yaml:"interval_minutes"`
	DailyBudgetUSD    float64 `yaml:"daily_budget_usd"`
	BootstrapDelaySec int     `yaml:"bootstrap_delay_seconds"`
}

// RateConfig holds per-token USD rates for one model tier.
type RateConfig struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// PricingConfig holds the fixed cost-model rates. These are an approximation
// maintained by hand, not a live pricing lookup.
type PricingConfig struct {
	Triage RateConfig `yaml:"triage"`
	Action RateConfig `yaml:"action"`
}

// TelegramConfig configures the optional telegram channel. Users maps
// Telegram sender IDs to platform user IDs; senders not listed are ignored.
type TelegramConfig struct {
	Enabled bool             `yaml:"enabled"`
	Token   string           `yaml:"token"`
	Users   map[int64]string `yaml:"users"`
}

// OTelConfig configures tracing/metrics export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root gateway configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	OTel      OTelConfig      `yaml:"otel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			ListenAddr: "127.0.0.1:8765",
		},
		LLM: LLMConfig{
			TriageModel:        "claude-3-5-haiku-20241022",
			ActionModel:        "claude-sonnet-4-5-20250929",
			MaxTokens:          8192,
			CallTimeoutSeconds: 120,
		},
		Agent: AgentConfig{
			IdleTimeoutMinutes:   30,
			SweepIntervalSeconds: 60,
			MaxIterations:        15,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMinutes:   30,
			DailyBudgetUSD:    0, // 0 = uncapped
			BootstrapDelaySec: 5,
		},
		Pricing: PricingConfig{
			Triage: RateConfig{InputPer1M: 0.80, OutputPer1M: 4.00},
			Action: RateConfig{InputPer1M: 3.00, OutputPer1M: 15.00},
		},
		OTel: OTelConfig{
			Exporter:    "stdout",
			ServiceName: "dynod",
			SampleRate:  1.0,
		},
	}
}

// DataDir resolves the dyno data directory: $DYNO_HOME, else ~/.dyno.
func DataDir() (string, error) {
	if dir := os.Getenv("DYNO_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".dyno"), nil
}

// Load reads <dataDir>/config.yaml over the defaults. A missing file is not
// an error.
func Load() (Config, error) {
	dir, err := DataDir()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(dir)
}

// LoadFrom loads config rooted at an explicit data directory.
func LoadFrom(dataDir string) (Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	data, err := os.ReadFile(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	d := Default()
	if c.LLM.TriageModel == "" {
		c.LLM.TriageModel = d.LLM.TriageModel
	}
	if c.LLM.ActionModel == "" {
		c.LLM.ActionModel = d.LLM.ActionModel
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if c.LLM.CallTimeoutSeconds <= 0 {
		c.LLM.CallTimeoutSeconds = d.LLM.CallTimeoutSeconds
	}
	if c.Agent.IdleTimeoutMinutes <= 0 {
		c.Agent.IdleTimeoutMinutes = d.Agent.IdleTimeoutMinutes
	}
	if c.Agent.SweepIntervalSeconds <= 0 {
		c.Agent.SweepIntervalSeconds = d.Agent.SweepIntervalSeconds
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = d.Heartbeat.IntervalMinutes
	}
	if c.Heartbeat.BootstrapDelaySec <= 0 {
		c.Heartbeat.BootstrapDelaySec = d.Heartbeat.BootstrapDelaySec
	}
	if c.Pricing.Triage == (RateConfig{}) {
		c.Pricing.Triage = d.Pricing.Triage
	}
	if c.Pricing.Action == (RateConfig{}) {
		c.Pricing.Action = d.Pricing.Action
	}
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = d.Gateway.ListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = d.OTel.ServiceName
	}
	if c.OTel.SampleRate <= 0 {
		c.OTel.SampleRate = d.OTel.SampleRate
	}
	if c.OTel.Exporter == "" {
		c.OTel.Exporter = d.OTel.Exporter
	}
}

// IdleTimeout returns the agent idle timeout as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Agent.IdleTimeoutMinutes) * time.Minute
}

// SweepInterval returns the eviction sweep interval as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Agent.SweepIntervalSeconds) * time.Second
}

// CallTimeout returns the per-model-call timeout as a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.LLM.CallTimeoutSeconds) * time.Second
}
