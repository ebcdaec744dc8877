package config

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Kernel: KernelConfig{
			Name:      "llmos",
			BudgetUSD: 5.00,
		},

		Memory: MemoryConfig{
			FollowerThreshold: 0.92,
			MixedThreshold:    0.75,
			MinConfidence:     0.75,
			EnableLLMMatching: false,
			EnableEmbeddings:  false,
			EmbeddingModel:    "gemini-embedding-001",
		},

		Dispatcher: DispatcherConfig{
			Strategy:                  "auto",
			ComplexityThreshold:       2,
			AutoCrystallization:       false,
			CrystallizationMinUsage:   5,
			CrystallizationMinSuccess: 0.95,
			LearnerCostEstimate:       0.50,
			MixedCostEstimate:         0.25,
		},

		SDK: SDKConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-20250514",
			TimeoutSeconds: 300,
			PermissionMode: "default",
			MaxTokens:      8000,
			MaxRetries:     3,
		},

		Execution: ExecutionConfig{
			EnableAdvancedToolUse: true,
			SecurityDenyPatterns: []string{
				"rm -rf", "sudo rm", "mkfs", "dd if=", "> /dev/",
			},
			MaxActiveAgents: 10,
		},

		Logging: LoggingConfig{
			Level:   "info",
			Enabled: true,
		},
	}
}

// DevelopmentConfig returns a preset for local development: small budget,
// debug logging, every matching strategy on.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Kernel.BudgetUSD = 10.00
	cfg.Memory.EnableLLMMatching = true
	cfg.Memory.EnableEmbeddings = true
	cfg.Logging.Level = "debug"
	return cfg
}

// ProductionConfig returns a preset for unattended runs: larger budget,
// warn-level logging, auto-crystallization on.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Kernel.BudgetUSD = 100.00
	cfg.Dispatcher.AutoCrystallization = true
	cfg.Logging.Level = "warn"
	return cfg
}

// TestingConfig returns a preset for tests: tiny budget, no optional
// matching strategies, no log files.
func TestingConfig() *Config {
	cfg := DefaultConfig()
	cfg.Kernel.BudgetUSD = 1.00
	cfg.Memory.EnableLLMMatching = false
	cfg.Memory.EnableEmbeddings = false
	cfg.Logging.Enabled = false
	return cfg
}
