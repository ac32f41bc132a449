package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"attendbot/internal/models"
)

const (
	defaultDatabaseDSN        = "data/attendance.db"
	defaultCheckpointInterval = 5 * time.Minute
	defaultCommandPrefix      = "!event"
)

// Config holds all configuration for our application
type Config struct {
	DiscordToken       string
	DatabaseDSN        string
	CheckpointInterval time.Duration
	CommandPrefix      string
	DefaultPolicy      models.Policy
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// .env file is optional, continue with environment variables
	}

	config := &Config{
		DiscordToken:       os.Getenv("DISCORD_TOKEN"),
		DatabaseDSN:        get("DATABASE_DSN", defaultDatabaseDSN),
		CheckpointInterval: defaultCheckpointInterval,
		CommandPrefix:      get("COMMAND_PREFIX", defaultCommandPrefix),
		DefaultPolicy:      models.DefaultPolicy(),
	}

	if config.DiscordToken == "" {
		return nil, &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	if raw := os.Getenv("CHECKPOINT_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval <= 0 {
			return nil, &ConfigError{Field: "CHECKPOINT_INTERVAL", Message: "CHECKPOINT_INTERVAL must be a positive duration such as 5m"}
		}
		config.CheckpointInterval = interval
	}

	if path := os.Getenv("POLICY_FILE"); path != "" {
		policy, err := LoadPolicyDefaults(path)
		if err != nil {
			return nil, err
		}
		config.DefaultPolicy = policy
	}

	return config, nil
}

// LoadPolicyDefaults reads guild policy defaults from a YAML file.
// Fields missing from the file keep their built-in values.
func LoadPolicyDefaults(path string) (models.Policy, error) {
	policy := models.DefaultPolicy()

	buf, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(buf, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.MovieThresholdMinutes <= 0 {
		return policy, &ConfigError{Field: "movie_threshold_minutes", Message: "movie_threshold_minutes must be positive"}
	}
	if !policy.Mode.Valid() {
		return policy, &ConfigError{Field: "mode", Message: "mode must be cumulative or single"}
	}
	if policy.GamePercent < 1 || policy.GamePercent > 100 {
		return policy, &ConfigError{Field: "game_percent", Message: "game_percent must be between 1 and 100"}
	}
	return policy, nil
}

// get returns the environment value of k, or def when unset
func get(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
