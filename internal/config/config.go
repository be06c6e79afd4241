package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds everything the harness needs to run. Every field comes
// from the environment, with .env support in development.
type Config struct {
	// Target API
	TargetBaseURL string        `validate:"required,url"`
	HTTPTimeout   time.Duration `validate:"gt=0"`

	// Side-channel stores (both optional; empty disables the check)
	RedisURL    string
	DatabaseURL string

	// Execution
	Concurrency   int     `validate:"gte=1"`
	TotalSessions int     `validate:"gte=1"`
	StepRate      float64 `validate:"gte=0"`
	Continuous    bool
	VerifyStores  bool

	// Scenario weights, e.g. "journey:3,fanout:1"
	ScenarioWeights map[string]int `validate:"required,min=1,dive,gte=1"`

	// Conflict handling: treat a 401 during merchant-customer creation
	// like a 409 (the target is inconsistent about which it sends).
	CustomerUnauthorizedAsConflict bool

	// Fan-out bounds
	FanOutMerchants int `validate:"gte=1"`

	// Control server
	ControlPort string `validate:"required"`

	// Logging
	LogLevel string
	Env      string
}

// Load reads, defaults and validates the configuration. Invalid
// configuration is a startup error, never worked around.
func Load() (*Config, error) {
	// Load .env file in development
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	weights, err := parseWeights(getEnv("SCENARIO_WEIGHTS", "journey:3,fanout:1"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TargetBaseURL: getEnv("TARGET_BASE_URL", "http://localhost:8080"),
		HTTPTimeout:   parseDuration(getEnv("HTTP_TIMEOUT", "5s"), 5*time.Second),

		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		Concurrency:   parseInt(getEnv("CONCURRENCY", "10"), 10),
		TotalSessions: parseInt(getEnv("TOTAL_SESSIONS", "100"), 100),
		StepRate:      parseFloat(getEnv("STEP_RATE", "0"), 0),
		Continuous:    parseBool(getEnv("CONTINUOUS", "false"), false),
		VerifyStores:  parseBool(getEnv("VERIFY_STORES", "true"), true),

		ScenarioWeights: weights,

		CustomerUnauthorizedAsConflict: parseBool(getEnv("CUSTOMER_401_AS_CONFLICT", "false"), false),

		FanOutMerchants: parseInt(getEnv("FANOUT_MERCHANTS", "5"), 5),

		ControlPort: getEnv("CONTROL_PORT", "9090"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Env:      getEnv("ENV", "development"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func parseWeights(s string) (map[string]int, error) {
	weights := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed scenario weight %q", part)
		}
		weight, err := strconv.Atoi(raw)
		if err != nil || weight < 1 {
			return nil, fmt.Errorf("config: malformed scenario weight %q", part)
		}
		weights[name] = weight
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("config: no scenario weights configured")
	}
	return weights, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseBool(s string, defaultValue bool) bool {
	value, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseInt(s string, defaultValue int) int {
	value, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseFloat(s string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
