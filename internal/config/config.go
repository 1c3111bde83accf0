// Package config loads service configuration from the environment, with an
// optional YAML tunables file for the scheduling parameters.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"careroute/internal/track"
)

type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	DatabaseURL string
	RedisURL    string

	ProviderBaseURL     string
	ProviderAPIKey      string
	ProviderProfile     string
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int
	ProviderBackoff     time.Duration
	ProviderRatePerSec  float64
	FallbackSpeedKph    float64

	CacheTTL time.Duration

	Tunables Tunables
}

// Tunables are the scheduling parameters that must never be hardcoded. They
// load from CONFIG_FILE when set, and individual env vars override the file.
type Tunables struct {
	OptimizeTimeBudget    time.Duration    `yaml:"optimizeTimeBudget"`
	OptimizeMaxIterations int              `yaml:"optimizeMaxIterations"`
	ProximityRadiusM      float64          `yaml:"proximityRadiusM"`
	DelayThresholds       track.Thresholds `yaml:"delayThresholds"`
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		ProviderBaseURL:     os.Getenv("DISTANCE_PROVIDER_URL"),
		ProviderAPIKey:      os.Getenv("DISTANCE_PROVIDER_KEY"),
		ProviderProfile:     getEnv("DISTANCE_PROVIDER_PROFILE", "driving-car"),
		ProviderTimeout:     getDurationEnv("DISTANCE_PROVIDER_TIMEOUT", 10*time.Second),
		ProviderMaxAttempts: getIntEnv("DISTANCE_PROVIDER_MAX_ATTEMPTS", 3),
		ProviderBackoff:     getDurationEnv("DISTANCE_PROVIDER_BACKOFF", 200*time.Millisecond),
		ProviderRatePerSec:  getFloatEnv("DISTANCE_PROVIDER_RATE", 5),
		FallbackSpeedKph:    getFloatEnv("FALLBACK_SPEED_KPH", 40),

		CacheTTL: getDurationEnv("DISTANCE_CACHE_TTL", 24*time.Hour),

		Tunables: Tunables{
			OptimizeTimeBudget:    2 * time.Second,
			OptimizeMaxIterations: 10000,
			ProximityRadiusM:      150,
			DelayThresholds:       track.DefaultThresholds(),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg.Tunables); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// env overrides on top of file values
	cfg.Tunables.OptimizeTimeBudget = getDurationEnv("OPTIMIZE_TIME_BUDGET", cfg.Tunables.OptimizeTimeBudget)
	cfg.Tunables.OptimizeMaxIterations = getIntEnv("OPTIMIZE_MAX_ITERATIONS", cfg.Tunables.OptimizeMaxIterations)
	cfg.Tunables.ProximityRadiusM = getFloatEnv("PROXIMITY_RADIUS_M", cfg.Tunables.ProximityRadiusM)
	cfg.Tunables.DelayThresholds.MinorMin = getIntEnv("DELAY_MINOR_MIN", cfg.Tunables.DelayThresholds.MinorMin)
	cfg.Tunables.DelayThresholds.MajorMin = getIntEnv("DELAY_MAJOR_MIN", cfg.Tunables.DelayThresholds.MajorMin)
	cfg.Tunables.DelayThresholds.CriticalMin = getIntEnv("DELAY_CRITICAL_MIN", cfg.Tunables.DelayThresholds.CriticalMin)

	if err := cfg.Tunables.DelayThresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tunables.ProximityRadiusM <= 0 {
		return nil, fmt.Errorf("proximity radius must be positive, got %v", cfg.Tunables.ProximityRadiusM)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
