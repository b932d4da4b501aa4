package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Egham-7/adaptive-cache/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server     models.ServerConfig     `yaml:"server"`
	Cache      models.CacheSettings    `yaml:"cache"`
	Redis      models.RedisConfig      `yaml:"redis"`
	Embeddings models.EmbeddingsConfig `yaml:"embeddings"`
	Database   *models.DatabaseConfig  `yaml:"database,omitempty"`
	Metrics    MetricsConfig           `yaml:"metrics"`
}

// MetricsConfig sizes the async metric recording worker pool.
type MetricsConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size,omitempty" json:"worker_pool_size,omitzero"`
	BufferSize     int `yaml:"buffer_size,omitempty" json:"buffer_size,omitzero"`
}

const (
	defaultMetricsPoolSize   = 4
	defaultMetricsBufferSize = 1024
)

// PoolSize returns the worker pool size with its default applied.
func (m MetricsConfig) PoolSize() int {
	if m.WorkerPoolSize > 0 {
		return m.WorkerPoolSize
	}
	return defaultMetricsPoolSize
}

// Buffer returns the task buffer size with its default applied.
func (m MetricsConfig) Buffer() int {
	if m.BufferSize > 0 {
		return m.BufferSize
	}
	return defaultMetricsBufferSize
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

	return Parse(data)
}

// Parse parses YAML configuration with env vars substituted and defaults
// applied for unset cache settings.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	config := Config{
		Cache: models.DefaultCacheSettings(),
	}
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
	// Pattern matches ${VAR_NAME} or ${VAR_NAME:-default_value}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			// Remove the leading '-' from default value
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

// GetLogLevel returns the normalized configured log level
func (c *Config) GetLogLevel() string {
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks if all required configuration values are set and the cache
// settings are well-formed. Invalid threshold bounds fail fast here.
func (c *Config) Validate() error {
	var missing []string

	if c.Redis.URL == "" {
		missing = append(missing, "redis.url")
	}
	if c.Embeddings.OpenAIAPIKey == "" {
		missing = append(missing, "embeddings.openai_api_key")
	}
	if c.Database == nil {
		missing = append(missing, "database")
	}

	if len(missing) > 0 {
		return &ValidationError{MissingFields: missing}
	}

	return c.Cache.Validate()
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return "missing required configuration fields: " + strings.Join(e.MissingFields, ", ")
}
