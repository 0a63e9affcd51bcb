package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/routeduel/routeduel/go/internal/models"
)

// Config holds the server's match defaults, loaded from config.yaml. Hosts
// that create a session without explicit settings get these.
type Config struct {
	Match struct {
		Mode             string `yaml:"mode"`
		RouteCount       int    `yaml:"route_count"`
		MaxSlots         int    `yaml:"max_slots"`
		MatchDurationSec int    `yaml:"match_duration_sec"`
		RoundLimitSec    *int   `yaml:"round_limit_sec"`
	} `yaml:"match"`
}

// MaxSlots returns the default room size for hosts that do not pick one.
func (c *Config) MaxSlots() int {
	if c.Match.MaxSlots < 2 || c.Match.MaxSlots > models.MaxSlotsLimit {
		return 2
	}
	return c.Match.MaxSlots
}

// MatchDefaults converts the yaml block into validated settings.
func (c *Config) MatchDefaults() (models.MatchSettings, error) {
	settings := models.MatchSettings{
		Mode:             models.MatchMode(c.Match.Mode),
		RouteCount:       c.Match.RouteCount,
		MatchDurationSec: c.Match.MatchDurationSec,
		RoundLimitSec:    c.Match.RoundLimitSec,
	}
	if err := settings.Validate(); err != nil {
		return models.MatchSettings{}, fmt.Errorf("invalid match defaults: %w", err)
	}
	return settings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}
