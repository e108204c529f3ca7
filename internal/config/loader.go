package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/ember/internal/logging"
	"github.com/thruflo/ember/internal/tokens"
)

// Dir is the per-project directory holding config and tasks.
const Dir = ".ember"

// Default values for Config.
const (
	DefaultMaxIterations       = 50
	DefaultBaseBudget          = 15
	DefaultMaxBudget           = 50
	DefaultRunawayThreshold    = 3
	DefaultNoProgressThreshold = 3
	DefaultHistoryWindow       = 5
	DefaultMaxTokens           = 8000
	DefaultRecentActions       = 3
	DefaultMemoryMaxItems      = 20
	DefaultLoadedContextTTL    = 3
	DefaultModel               = "gpt-4o-mini"
	DefaultMaxResponseTokens   = 2048
	DefaultLogLevel            = "warn"
)

// DefaultLimits returns limits with sensible default values.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:       DefaultMaxIterations,
		BaseBudget:          DefaultBaseBudget,
		MaxBudget:           DefaultMaxBudget,
		RunawayThreshold:    DefaultRunawayThreshold,
		NoProgressThreshold: DefaultNoProgressThreshold,
		HistoryWindow:       DefaultHistoryWindow,
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Limits: DefaultLimits(),
		Context: Context{
			MaxTokens:     DefaultMaxTokens,
			RecentActions: DefaultRecentActions,
		},
		Memory: Memory{
			MaxItems:         DefaultMemoryMaxItems,
			LoadedContextTTL: DefaultLoadedContextTTL,
		},
		LLM: LLM{
			Model:             DefaultModel,
			MaxResponseTokens: DefaultMaxResponseTokens,
		},
		LogLevel: DefaultLogLevel,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// LoadConfig reads and parses .ember/config.yaml from the given base path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, Dir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	positive := []struct {
		field string
		value int
	}{
		{"limits.max_iterations", cfg.Limits.MaxIterations},
		{"limits.base_budget", cfg.Limits.BaseBudget},
		{"limits.max_budget", cfg.Limits.MaxBudget},
		{"limits.runaway_threshold", cfg.Limits.RunawayThreshold},
		{"limits.no_progress_threshold", cfg.Limits.NoProgressThreshold},
		{"limits.history_window", cfg.Limits.HistoryWindow},
		{"context.max_tokens", cfg.Context.MaxTokens},
		{"context.recent_actions", cfg.Context.RecentActions},
		{"memory.max_items", cfg.Memory.MaxItems},
		{"llm.max_response_tokens", cfg.LLM.MaxResponseTokens},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return ValidationError{Field: p.field, Message: "must be positive"}
		}
	}

	if cfg.Limits.MaxBudget < cfg.Limits.BaseBudget {
		return ValidationError{Field: "limits.max_budget", Message: "must be at least limits.base_budget"}
	}
	if cfg.Limits.HistoryWindow < cfg.Limits.RunawayThreshold {
		return ValidationError{Field: "limits.history_window", Message: "must be at least limits.runaway_threshold"}
	}
	if cfg.Limits.MaxReadStreak < 0 {
		return ValidationError{Field: "limits.max_read_streak", Message: "must not be negative"}
	}
	if cfg.Memory.LoadedContextTTL < 0 {
		return ValidationError{Field: "memory.loaded_context_ttl", Message: "must not be negative"}
	}
	if cfg.LLM.RequestsPerMinute < 0 {
		return ValidationError{Field: "llm.requests_per_minute", Message: "must not be negative"}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return ValidationError{Field: "llm.temperature", Message: "must be between 0 and 2"}
	}

	for name, limit := range cfg.Context.Sections {
		if _, ok := tokens.DefaultLimits[name]; !ok {
			return ValidationError{Field: "context.sections." + name, Message: "unknown section"}
		}
		if limit <= 0 {
			return ValidationError{Field: "context.sections." + name, Message: "must be positive"}
		}
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return ValidationError{Field: "log_level", Message: err.Error()}
	}

	return nil
}

// SaveConfig writes cfg to .ember/config.yaml under basePath.
func SaveConfig(basePath string, cfg *Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	dir := filepath.Join(basePath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", Dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadEnvFile reads .ember/.env into a map. A missing file yields an empty
// map. Values are not exported to the process environment.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, Dir, ".env")
	env, err := godotenv.Read(envPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return env, nil
}

// Lookup returns key from env, falling back to the process environment.
func Lookup(env map[string]string, key string) string {
	if v, ok := env[key]; ok && v != "" {
		return v
	}
	return os.Getenv(key)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
