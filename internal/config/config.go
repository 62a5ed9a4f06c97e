// Package config loads engine tuning from an optional YAML file with
// environment overrides. Connection strings (DATABASE_URL, REDIS_URL,
// PORT) stay env-only.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Weights struct {
	Distance     float64 `yaml:"distance"`
	Rating       float64 `yaml:"rating"`
	Experience   float64 `yaml:"experience"`
	Availability float64 `yaml:"availability"`
}

type Matching struct {
	MaxSearchRadiusKm    float64 `yaml:"maxSearchRadiusKm"`
	StalenessWindowMin   int     `yaml:"stalenessWindowMinutes"`
	MaxCandidates        int     `yaml:"maxCandidates"`
	MinOptimalConfidence float64 `yaml:"minOptimalConfidence"`
	MinCandidateScore    float64 `yaml:"minCandidateConfidence"`
	AverageSpeedKmh      float64 `yaml:"averageSpeedKmh"`
	Weights              Weights `yaml:"weights"`
}

type Assignment struct {
	DefaultTimeoutMinutes int `yaml:"defaultTimeoutMinutes"`
	SweepIntervalSeconds  int `yaml:"sweepIntervalSeconds"`
}

type RateLimit struct {
	LocationPushesPerSecond float64 `yaml:"locationPushesPerSecond"`
	Burst                   int     `yaml:"burst"`
}

type Webhooks struct {
	MaxAttempts int `yaml:"maxAttempts"`
}

type Config struct {
	Matching   Matching   `yaml:"matching"`
	Assignment Assignment `yaml:"assignment"`
	RateLimit  RateLimit  `yaml:"rateLimit"`
	Webhooks   Webhooks   `yaml:"webhooks"`
}

// Default returns the engine defaults used when no file is present.
func Default() Config {
	return Config{
		Matching: Matching{
			MaxSearchRadiusKm:    10,
			StalenessWindowMin:   30,
			MaxCandidates:        5,
			MinOptimalConfidence: 0.4,
			MinCandidateScore:    0.3,
			AverageSpeedKmh:      30,
			Weights: Weights{
				Distance:     0.4,
				Rating:       0.3,
				Experience:   0.2,
				Availability: 0.1,
			},
		},
		Assignment: Assignment{
			DefaultTimeoutMinutes: 5,
			SweepIntervalSeconds:  15,
		},
		RateLimit: RateLimit{
			LocationPushesPerSecond: 2,
			Burst:                   5,
		},
		Webhooks: Webhooks{MaxAttempts: 10},
	}
}

// Load reads CONFIG_FILE if set (or the given path), overlaying defaults.
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("MATCH_RADIUS_KM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Matching.MaxSearchRadiusKm = f
		}
	}
	if v := os.Getenv("ASSIGNMENT_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Assignment.DefaultTimeoutMinutes = n
		}
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Webhooks.MaxAttempts = n
		}
	}
	return cfg
}
