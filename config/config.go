// Package config handles shellpilot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/shellpilot/agentloop"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by FindConfig when no file exists on the search
// path. Callers fall back to Default.
var ErrNoConfig = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./shellpilot.yaml, then
// ~/.config/shellpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"shellpilot.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "shellpilot", "config.yaml"))
	}
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all shellpilot configuration.
type Config struct {
	Model      string `yaml:"model"`
	Provider   string `yaml:"provider"` // openai, anthropic, or any gollm provider
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	CoderModel string `yaml:"coder_model"`

	CostCeilingUSD float64            `yaml:"cost_ceiling_usd"`
	Pricing        *agentloop.Pricing `yaml:"pricing"`

	Shell ShellConfig `yaml:"shell"`

	LogDir     string `yaml:"log_dir"`
	LogLevel   string `yaml:"log_level"`
	LedgerPath string `yaml:"ledger_path"`
	Listen     string `yaml:"listen"`

	LoopDetectionWindow int    `yaml:"loop_detection_window"`
	MaxMalformedReplies int    `yaml:"max_malformed_replies"`
	MaxTokens           int    `yaml:"max_tokens"`
	SystemPromptFile    string `yaml:"system_prompt_file"`
	WorkDir             string `yaml:"work_dir"`
}

// ShellConfig configures the shell action.
type ShellConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Interpreter string        `yaml:"interpreter"`
	// PassEnvironment hands the full environment, credentials included, to
	// model-chosen commands.
	PassEnvironment bool `yaml:"pass_environment"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	agent := agentloop.DefaultAgentConfig()
	return &Config{
		Model:          agent.Model,
		Provider:       "openai",
		CostCeilingUSD: agent.CostCeiling,
		Shell: ShellConfig{
			Timeout:     agentloop.DefaultShellTimeout,
			Interpreter: agent.Shell,
		},
		LogDir:              "logs",
		LogLevel:            "info",
		Listen:              "127.0.0.1:8080",
		LoopDetectionWindow: agent.LoopDetectionWindow,
	}
}

// Load reads configuration from a YAML file on top of Default. Environment
// variable references in the file are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides file settings with the process environment. lookup is
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("OPENAI_BASE_URL", &c.BaseURL)
	set("OPENAI_API_KEY", &c.APIKey)
	set("AGENT_MODEL", &c.Model)
	set("CODER_MODEL", &c.CoderModel)
	set("SHELLPILOT_LOG_LEVEL", &c.LogLevel)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("config: model is required")
	}
	if c.Shell.Timeout < 0 {
		return fmt.Errorf("config: shell.timeout must not be negative, got %s", c.Shell.Timeout)
	}
	if c.CostCeilingUSD < 0 {
		return fmt.Errorf("config: cost_ceiling_usd must not be negative, got %v", c.CostCeilingUSD)
	}
	if p := c.Pricing; p != nil {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return errors.New("config: pricing must not be negative")
		}
		if p.NativePerUSD < 0 {
			return errors.New("config: pricing.native_per_usd must not be negative")
		}
	}
	if c.LoopDetectionWindow < 0 {
		return errors.New("config: loop_detection_window must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AgentConfig converts the file settings into the agent loop's
// configuration, reading SystemPromptFile when set.
func (c *Config) AgentConfig() (agentloop.AgentConfig, error) {
	cfg := agentloop.DefaultAgentConfig()
	cfg.Model = c.Model
	cfg.Provider = c.Provider
	cfg.CostCeiling = c.CostCeilingUSD
	cfg.Pricing = c.Pricing
	cfg.MaxTokens = c.MaxTokens
	cfg.LoopDetectionWindow = c.LoopDetectionWindow
	cfg.MaxMalformedReplies = c.MaxMalformedReplies
	cfg.WorkDir = c.WorkDir
	if c.Shell.Interpreter != "" {
		cfg.Shell = c.Shell.Interpreter
	}
	if c.SystemPromptFile != "" {
		data, err := os.ReadFile(c.SystemPromptFile)
		if err != nil {
			return cfg, fmt.Errorf("read system prompt: %w", err)
		}
		cfg.SystemPrompt = string(data)
	}
	return cfg, nil
}

// ShellRunner builds the runner for the shell action.
func (c *Config) ShellRunner() *agentloop.ShellRunner {
	r := agentloop.NewShellRunner(c.Shell.Timeout)
	r.Interpreter = c.Shell.Interpreter
	r.Dir = c.WorkDir
	if c.Shell.PassEnvironment {
		r.Env = os.Environ()
	}
	return r
}
