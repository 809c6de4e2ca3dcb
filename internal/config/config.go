package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/reviewpulse/credit-engine/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server   models.ServerConfig    `yaml:"server"`
	Database *models.DatabaseConfig `yaml:"database,omitempty"`
	RedisURL string                 `yaml:"redis_url,omitempty"`
	Cycle    models.CycleConfig     `yaml:"cycle"`
	Plans    models.PlansConfig     `yaml:"plans,omitempty"`
	Features models.FeaturesConfig  `yaml:"features,omitempty"`
}

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	// Validate and clean the file path to prevent directory traversal
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	// Substitute environment variables
	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files in order of precedence
// Loads files in the order provided (first has highest priority)
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// New creates a new Config instance by loading from the specified config file path
func New(configPath string) (*Config, error) {
	return LoadFromFile(configPath)
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

// GetNormalizedLogLevel returns the log level in lowercase for consistent comparison
func (c *Config) GetNormalizedLogLevel() string {
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// TierCredits returns the monthly included-credit allotment for a plan,
// preferring the configured table over the built-in defaults.
func (c *Config) TierCredits(plan models.Plan) int64 {
	if c.Plans != nil {
		if amount, ok := c.Plans[plan]; ok {
			return amount
		}
	}
	return models.DefaultTierCredits[plan]
}

// FeatureCost returns the per-unit credit cost for a feature type, or zero
// when the feature is unknown.
func (c *Config) FeatureCost(feature string) int64 {
	if c.Features != nil {
		if cost, ok := c.Features[feature]; ok {
			return cost
		}
	}
	return models.DefaultFeatureCosts[feature]
}

// Validate checks that the configuration is complete enough to start
func (c *Config) Validate() error {
	if c.Database == nil {
		return &ValidationError{Field: "database", Message: "database configuration is required"}
	}
	if c.Database.Type == "" {
		return &ValidationError{Field: "database.type", Message: "database type is required"}
	}
	for plan, amount := range c.Plans {
		if amount < 0 {
			return &ValidationError{
				Field:   "plans." + string(plan),
				Message: "plan allotment must be >= 0",
			}
		}
	}
	for feature, cost := range c.Features {
		if cost <= 0 {
			return &ValidationError{
				Field:   "features." + feature,
				Message: "feature cost must be > 0",
			}
		}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed on %s: %s", e.Field, e.Message)
}
