// Package config holds all llmos configuration: the YAML file format,
// defaults, environment overrides, and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file looked up inside the workspace.
const ConfigFileName = "llmos.yaml"

// Config holds all llmos configuration.
type Config struct {
	// Workspace root. All persistent state lives under it.
	Workspace string `yaml:"workspace"`

	// Kernel settings
	Kernel KernelConfig `yaml:"kernel"`

	// Trace memory and matching
	Memory MemoryConfig `yaml:"memory"`

	// Dispatcher routing
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// LLM SDK connection
	SDK SDKConfig `yaml:"sdk"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// KernelConfig configures the kernel instance.
type KernelConfig struct {
	Name string `yaml:"name"`
	// Initial token economy balance in USD.
	BudgetUSD float64 `yaml:"budget_usd"`
}

// MemoryConfig configures trace memory and matching.
type MemoryConfig struct {
	// Confidence band boundaries.
	FollowerThreshold float64 `yaml:"follower_threshold"`
	MixedThreshold    float64 `yaml:"mixed_threshold"`
	// Floor below which a similar trace is ignored entirely.
	MinConfidence float64 `yaml:"min_confidence"`

	// Optional matching strategies (lexical is always available).
	EnableLLMMatching bool `yaml:"enable_llm_matching"`
	EnableEmbeddings  bool `yaml:"enable_embeddings"`

	// Embedding model for the genai engine.
	EmbeddingModel string `yaml:"embedding_model"`
}

// DispatcherConfig configures routing and crystallization.
type DispatcherConfig struct {
	// Strategy: auto, cost-optimized, speed-optimized, forced-learner, forced-follower
	Strategy string `yaml:"strategy"`

	// Complexity markers at or above this count route fresh goals to the orchestrator.
	ComplexityThreshold int `yaml:"complexity_threshold"`

	// Crystallization gates.
	AutoCrystallization       bool    `yaml:"auto_crystallization"`
	CrystallizationMinUsage   int     `yaml:"crystallization_min_usage"`
	CrystallizationMinSuccess float64 `yaml:"crystallization_min_success"`

	// Pre-admission cost estimates in USD. Actual cost replaces them after the call.
	LearnerCostEstimate float64 `yaml:"learner_cost_estimate"`
	MixedCostEstimate   float64 `yaml:"mixed_cost_estimate"`
}

// SDKConfig configures the cognitive backend connection.
type SDKConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`

	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PermissionMode string `yaml:"permission_mode"` // default, acceptEdits, bypassPermissions
	MaxTokens      int    `yaml:"max_tokens"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ExecutionConfig configures agent and tool execution.
type ExecutionConfig struct {
	// Allow CRYSTALLIZED routing when a crystallized tool matches.
	EnableAdvancedToolUse bool `yaml:"enable_advanced_tool_use"`

	// Substrings rejected by the PreToolUse security hook.
	SecurityDenyPatterns []string `yaml:"security_deny_patterns"`

	// Concurrent sub-agent cap for orchestrated plans.
	MaxActiveAgents int `yaml:"max_active_agents"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error
	Enabled bool   `yaml:"enabled"`
}

// ValidProviders lists all supported cognitive backend providers.
var ValidProviders = []string{"anthropic", "openai"}

// ValidStrategies lists all built-in dispatch strategies.
var ValidStrategies = []string{
	"auto", "cost-optimized", "speed-optimized", "forced-learner", "forced-follower",
}

// ResolveWorkspace returns the workspace root: $LLMOS_WORKSPACE if set,
// otherwise ~/.llmos.
func ResolveWorkspace() string {
	if ws := os.Getenv("LLMOS_WORKSPACE"); ws != "" {
		return ws
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmos"
	}
	return filepath.Join(home, ".llmos")
}

// Load loads configuration from a YAML file. A missing file returns
// defaults. Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadWorkspace loads <workspace>/llmos.yaml and pins cfg.Workspace.
func LoadWorkspace(workspace string) (*Config, error) {
	cfg, err := Load(filepath.Join(workspace, ConfigFileName))
	if err != nil {
		return nil, err
	}
	cfg.Workspace = workspace
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Provider API keys, checked in reverse priority so anthropic wins
	// when several keys are set.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.SDK.APIKey = key
		c.SDK.Provider = "openai"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.SDK.APIKey = key
		c.SDK.Provider = "anthropic"
	}

	if v := os.Getenv("LLMOS_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Kernel.BudgetUSD = f
		}
	}
	if v := os.Getenv("LLMOS_MODEL"); v != "" {
		c.SDK.Model = v
	}
	if v := os.Getenv("LLMOS_ENABLE_LLM_MATCHING"); v != "" {
		c.Memory.EnableLLMMatching = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// GetSDKTimeout returns the per-call SDK timeout as a duration.
func (c *Config) GetSDKTimeout() time.Duration {
	if c.SDK.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.SDK.TimeoutSeconds) * time.Second
}

// Validate validates the configuration. API key presence is enforced by
// the cognitive backend factory, not here, so budget-free paths still work.
func (c *Config) Validate() error {
	if c.Kernel.BudgetUSD < 0 {
		return fmt.Errorf("kernel.budget_usd must not be negative: %f", c.Kernel.BudgetUSD)
	}

	for name, v := range map[string]float64{
		"memory.follower_threshold": c.Memory.FollowerThreshold,
		"memory.mixed_threshold":    c.Memory.MixedThreshold,
		"memory.min_confidence":     c.Memory.MinConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s out of range [0,1]: %f", name, v)
		}
	}
	if c.Memory.MixedThreshold > c.Memory.FollowerThreshold {
		return fmt.Errorf("memory.mixed_threshold (%f) must not exceed memory.follower_threshold (%f)",
			c.Memory.MixedThreshold, c.Memory.FollowerThreshold)
	}

	if c.SDK.TimeoutSeconds <= 0 {
		return fmt.Errorf("sdk.timeout_seconds must be positive: %d", c.SDK.TimeoutSeconds)
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.SDK.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid sdk.provider: %s (valid: %v)", c.SDK.Provider, ValidProviders)
	}

	validStrategy := false
	for _, s := range ValidStrategies {
		if c.Dispatcher.Strategy == s {
			validStrategy = true
			break
		}
	}
	if !validStrategy {
		return fmt.Errorf("invalid dispatcher.strategy: %s (valid: %v)", c.Dispatcher.Strategy, ValidStrategies)
	}

	if c.Dispatcher.CrystallizationMinUsage < 1 {
		return fmt.Errorf("dispatcher.crystallization_min_usage must be at least 1: %d",
			c.Dispatcher.CrystallizationMinUsage)
	}
	if v := c.Dispatcher.CrystallizationMinSuccess; v < 0 || v > 1 {
		return fmt.Errorf("dispatcher.crystallization_min_success out of range [0,1]: %f", v)
	}

	return nil
}
