// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Feature store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Decision deadline
	DecisionBudget   time.Duration
	DecisionMargin   time.Duration
	FeatureTimeout   time.Duration // ceiling for the feature fetch
	ScoringTimeout   time.Duration // ceiling for the scoring call
	FeatureFreshness time.Duration

	// Feature store
	FeatureStore       string
	RedisURL           string
	DatabaseURL        string
	FeatureMaxInFlight int
	FeatureMaxQueue    int

	// Scoring endpoint (optional; decisions run rules-only without it)
	ScorerURL         string
	ScorerModel       string
	ScorerMaxInFlight int
	ScorerMaxQueue    int

	BreakerThreshold int
	BreakerOpen      time.Duration

	// Artifacts
	CalibrationCurvePath    string
	CalibrationCurveVersion string
	RulesPath               string // empty uses the built-in rule set

	Policy Policy

	// Decision event sinks (optional)
	KafkaBrokers       []string
	KafkaDecisionTopic string
	OTelEndpoint       string
}

// Policy holds the fusion weights and thresholds.
type Policy struct {
	RuleWeight                float64
	ModelWeight               float64
	ReviewThreshold           float64
	DeclineThreshold          float64
	RulesOnlyReviewThreshold  float64
	RulesOnlyDeclineThreshold float64
	StaleCurveDiscount        float64
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultBudgetMS      = 120
	DefaultMarginMS      = 10
	DefaultFeatureMS     = 40
	DefaultScoringMS     = 60
	DefaultFreshnessSecs = 60
	DefaultScorerModel   = "fraud-gbm"
	DefaultDecisionTopic = "auroraguard.decisions"
)

// DefaultPolicy returns the documented operating point.
func DefaultPolicy() Policy {
	return Policy{
		RuleWeight:                0.3,
		ModelWeight:               0.7,
		ReviewThreshold:           0.5,
		DeclineThreshold:          0.85,
		RulesOnlyReviewThreshold:  0.6,
		RulesOnlyDeclineThreshold: 0.9,
		StaleCurveDiscount:        0.5,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	def := DefaultPolicy()
	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		DecisionBudget:   getEnvMillis("DECISION_BUDGET_MS", DefaultBudgetMS),
		DecisionMargin:   getEnvMillis("DECISION_MARGIN_MS", DefaultMarginMS),
		FeatureTimeout:   getEnvMillis("FEATURE_TIMEOUT_MS", DefaultFeatureMS),
		ScoringTimeout:   getEnvMillis("SCORING_TIMEOUT_MS", DefaultScoringMS),
		FeatureFreshness: time.Duration(getEnvInt64("FEATURE_FRESHNESS_SECONDS", DefaultFreshnessSecs)) * time.Second,

		FeatureStore:       getEnv("FEATURE_STORE", StoreMemory),
		RedisURL:           os.Getenv("REDIS_URL"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		FeatureMaxInFlight: int(getEnvInt64("FEATURE_MAX_INFLIGHT", 128)),
		FeatureMaxQueue:    int(getEnvInt64("FEATURE_MAX_QUEUE", 256)),

		ScorerURL:         os.Getenv("SCORER_URL"),
		ScorerModel:       getEnv("SCORER_MODEL", DefaultScorerModel),
		ScorerMaxInFlight: int(getEnvInt64("SCORER_MAX_INFLIGHT", 64)),
		ScorerMaxQueue:    int(getEnvInt64("SCORER_MAX_QUEUE", 128)),

		BreakerThreshold: int(getEnvInt64("BREAKER_THRESHOLD", 5)),
		BreakerOpen:      time.Duration(getEnvInt64("BREAKER_OPEN_SECONDS", 10)) * time.Second,

		CalibrationCurvePath:    os.Getenv("CALIBRATION_CURVE_PATH"),
		CalibrationCurveVersion: os.Getenv("CALIBRATION_CURVE_VERSION"),
		RulesPath:               os.Getenv("RULES_PATH"),

		Policy: Policy{
			RuleWeight:                getEnvFloat("FUSION_RULE_WEIGHT", def.RuleWeight),
			ModelWeight:               getEnvFloat("FUSION_MODEL_WEIGHT", def.ModelWeight),
			ReviewThreshold:           getEnvFloat("REVIEW_THRESHOLD", def.ReviewThreshold),
			DeclineThreshold:          getEnvFloat("DECLINE_THRESHOLD", def.DeclineThreshold),
			RulesOnlyReviewThreshold:  getEnvFloat("RULES_ONLY_REVIEW_THRESHOLD", def.RulesOnlyReviewThreshold),
			RulesOnlyDeclineThreshold: getEnvFloat("RULES_ONLY_DECLINE_THRESHOLD", def.RulesOnlyDeclineThreshold),
			StaleCurveDiscount:        getEnvFloat("STALE_CURVE_DISCOUNT", def.StaleCurveDiscount),
		},

		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaDecisionTopic: getEnv("KAFKA_DECISION_TOPIC", DefaultDecisionTopic),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.DecisionBudget <= 0 {
		return fmt.Errorf("DECISION_BUDGET_MS must be positive")
	}
	if c.DecisionMargin < 0 || c.DecisionMargin >= c.DecisionBudget {
		return fmt.Errorf("DECISION_MARGIN_MS must be non-negative and below DECISION_BUDGET_MS")
	}
	if c.FeatureTimeout <= 0 || c.ScoringTimeout <= 0 {
		return fmt.Errorf("FEATURE_TIMEOUT_MS and SCORING_TIMEOUT_MS must be positive")
	}
	if c.FeatureFreshness <= 0 {
		return fmt.Errorf("FEATURE_FRESHNESS_SECONDS must be positive")
	}

	switch c.FeatureStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when FEATURE_STORE=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when FEATURE_STORE=postgres")
		}
	default:
		return fmt.Errorf("FEATURE_STORE must be one of memory, redis, postgres (got %q)", c.FeatureStore)
	}

	if c.CalibrationCurvePath != "" && c.CalibrationCurveVersion == "" {
		return fmt.Errorf("CALIBRATION_CURVE_VERSION is required when CALIBRATION_CURVE_PATH is set")
	}

	return c.Policy.Validate()
}

// Validate checks weights and thresholds lie in [0,1] and are ordered.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"FUSION_RULE_WEIGHT":           p.RuleWeight,
		"FUSION_MODEL_WEIGHT":          p.ModelWeight,
		"REVIEW_THRESHOLD":             p.ReviewThreshold,
		"DECLINE_THRESHOLD":            p.DeclineThreshold,
		"RULES_ONLY_REVIEW_THRESHOLD":  p.RulesOnlyReviewThreshold,
		"RULES_ONLY_DECLINE_THRESHOLD": p.RulesOnlyDeclineThreshold,
		"STALE_CURVE_DISCOUNT":         p.StaleCurveDiscount,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if p.RuleWeight+p.ModelWeight == 0 {
		return fmt.Errorf("FUSION_RULE_WEIGHT and FUSION_MODEL_WEIGHT cannot both be zero")
	}
	if p.ReviewThreshold > p.DeclineThreshold {
		return fmt.Errorf("REVIEW_THRESHOLD must not exceed DECLINE_THRESHOLD")
	}
	if p.RulesOnlyReviewThreshold > p.RulesOnlyDeclineThreshold {
		return fmt.Errorf("RULES_ONLY_REVIEW_THRESHOLD must not exceed RULES_ONLY_DECLINE_THRESHOLD")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMS int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultMS)) * time.Millisecond
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
