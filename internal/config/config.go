package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// RedisKeyPrefix namespaces every key this deployment writes.
	RedisKeyPrefix string

	// AWS Services
	AWSRegion             string
	SESFromEmail          string
	SESConfigurationSet   string // SES configuration set that publishes open/bounce events
	EngagementQueueURL    string // SQS queue receiving SES event notifications
	EventsTopicARN        string // SNS topic for lifecycle events
	EngagementWaitSeconds int

	// Places provider
	PlacesAPIKey         string
	PlacesBaseURL        string
	PlacesTimeoutSeconds int
	PlacesMaxRetries     int

	// Usage caps
	Search       ResourceLimits
	Detail       ResourceLimits
	RunMaxPlaces int
	CapWarn80    bool
	CapWarn95    bool
	UsageBackend string // "postgres" or "redis"

	// Grid
	GridDensity         float64
	GridMinCellRadiusKm float64

	// Dedup
	PhoneMatchDigits      int
	DedupIgnoredDomains   []string
	SafeSendMinConfidence float64

	// Campaign defaults
	DefaultCooldownDays int
	DefaultDailyLimit   int
	PacingMinSeconds    int
	PacingMaxSeconds    int
	SenderNames         []string

	// Smart template thresholds
	SmartRatingThreshold      float64
	SmartReviewThreshold      int
	SmartDesignThreshold      int
	SmartPerformanceThreshold int
	SmartMinWebsiteLength     int
	SmartFallbackAny          bool

	EmailOptOutFooter string
	ChatOptOutFooter  string

	Timezone *time.Location

	// Paced runner
	WorkerEnabled      bool
	WorkerScanSeconds  int
	WorkerMaxCampaigns int

	// Claimed sends older than this are failed instead of resent.
	WorkerClaimTTLSeconds int

	// Scoring weights are owned by the scoring component; passed through untouched.
	ScoringWeights map[string]float64
}

// ResourceLimits holds the caps and price for one billable provider resource.
type ResourceLimits struct {
	DailyLimit       int
	MonthlyLimit     int
	RunMaxCalls      int
	PricePerThousand float64
}

var defaultIgnoredDomains = []string{
	"facebook.com", "instagram.com", "linktr.ee", "wa.me", "whatsapp.com",
	"google.com", "sites.google.com", "business.site", "linkedin.com", "twitter.com", "x.com",
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "prospector",
		DBName:    "prospector",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:             "us-east-1",
		SESFromEmail:          "hello@prospector.local",
		EngagementWaitSeconds: 20,

		PlacesTimeoutSeconds: 15,
		PlacesMaxRetries:     3,

		Search:       ResourceLimits{DailyLimit: 500, MonthlyLimit: 10000, RunMaxCalls: 50, PricePerThousand: 32},
		Detail:       ResourceLimits{DailyLimit: 1000, MonthlyLimit: 20000, RunMaxCalls: 200, PricePerThousand: 17},
		RunMaxPlaces: 300,
		CapWarn80:    true,
		CapWarn95:    true,
		UsageBackend: "postgres",

		GridDensity:         2,
		GridMinCellRadiusKm: 1,

		PhoneMatchDigits:      8,
		DedupIgnoredDomains:   defaultIgnoredDomains,
		SafeSendMinConfidence: 0.8,

		DefaultCooldownDays: 30,
		DefaultDailyLimit:   50,
		PacingMinSeconds:    45,
		PacingMaxSeconds:    180,

		SmartRatingThreshold:      4.5,
		SmartReviewThreshold:      50,
		SmartDesignThreshold:      50,
		SmartPerformanceThreshold: 50,
		SmartMinWebsiteLength:     8,
		SmartFallbackAny:          true,

		EmailOptOutFooter: "If you'd rather not hear from us again, just reply \"unsubscribe\" and we won't contact you.",
		ChatOptOutFooter:  "Reply STOP to opt out.",

		Timezone: time.UTC,

		WorkerEnabled:         true,
		WorkerScanSeconds:     30,
		WorkerMaxCampaigns:    4,
		WorkerClaimTTLSeconds: 900,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envString("ENV", cfg.Env)

	// Database config
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	cfg.RedisKeyPrefix = envString("REDIS_KEY_PREFIX", cfg.RedisKeyPrefix)

	// AWS
	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = envString("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.SESConfigurationSet = envString("SES_CONFIGURATION_SET", cfg.SESConfigurationSet)
	cfg.EngagementQueueURL = envString("SQS_ENGAGEMENT_QUEUE_URL", cfg.EngagementQueueURL)
	cfg.EventsTopicARN = envString("SNS_EVENTS_TOPIC_ARN", cfg.EventsTopicARN)
	if cfg.EngagementWaitSeconds, err = envInt("SQS_WAIT_SECONDS", cfg.EngagementWaitSeconds); err != nil {
		return nil, err
	}

	// Places
	cfg.PlacesAPIKey = envString("PLACES_API_KEY", cfg.PlacesAPIKey)
	cfg.PlacesBaseURL = envString("PLACES_BASE_URL", cfg.PlacesBaseURL)
	if cfg.PlacesTimeoutSeconds, err = envInt("PLACES_TIMEOUT_SECONDS", cfg.PlacesTimeoutSeconds); err != nil {
		return nil, err
	}
	if cfg.PlacesMaxRetries, err = envInt("PLACES_MAX_RETRIES", cfg.PlacesMaxRetries); err != nil {
		return nil, err
	}

	// Caps
	if err := loadLimits("SEARCH", &cfg.Search); err != nil {
		return nil, err
	}
	if err := loadLimits("DETAIL", &cfg.Detail); err != nil {
		return nil, err
	}
	if cfg.RunMaxPlaces, err = envInt("RUN_MAX_PLACES", cfg.RunMaxPlaces); err != nil {
		return nil, err
	}
	if cfg.CapWarn80, err = envBool("CAP_WARN_80", cfg.CapWarn80); err != nil {
		return nil, err
	}
	if cfg.CapWarn95, err = envBool("CAP_WARN_95", cfg.CapWarn95); err != nil {
		return nil, err
	}
	cfg.UsageBackend = envString("USAGE_BACKEND", cfg.UsageBackend)
	if cfg.UsageBackend != "postgres" && cfg.UsageBackend != "redis" {
		return nil, fmt.Errorf("invalid USAGE_BACKEND: %q (want postgres or redis)", cfg.UsageBackend)
	}

	// Grid
	if cfg.GridDensity, err = envFloat("GRID_DENSITY", cfg.GridDensity); err != nil {
		return nil, err
	}
	if cfg.GridMinCellRadiusKm, err = envFloat("GRID_MIN_CELL_RADIUS_KM", cfg.GridMinCellRadiusKm); err != nil {
		return nil, err
	}

	// Dedup and eligibility
	if cfg.PhoneMatchDigits, err = envInt("PHONE_MATCH_DIGITS", cfg.PhoneMatchDigits); err != nil {
		return nil, err
	}
	cfg.DedupIgnoredDomains = envList("DEDUP_IGNORED_DOMAINS", cfg.DedupIgnoredDomains)
	if cfg.SafeSendMinConfidence, err = envFloat("SAFE_SEND_MIN_CONFIDENCE", cfg.SafeSendMinConfidence); err != nil {
		return nil, err
	}

	// Campaign defaults
	if cfg.DefaultCooldownDays, err = envInt("DEFAULT_COOLDOWN_DAYS", cfg.DefaultCooldownDays); err != nil {
		return nil, err
	}
	if cfg.DefaultDailyLimit, err = envInt("DEFAULT_DAILY_LIMIT", cfg.DefaultDailyLimit); err != nil {
		return nil, err
	}
	if cfg.PacingMinSeconds, err = envInt("PACING_MIN_SECONDS", cfg.PacingMinSeconds); err != nil {
		return nil, err
	}
	if cfg.PacingMaxSeconds, err = envInt("PACING_MAX_SECONDS", cfg.PacingMaxSeconds); err != nil {
		return nil, err
	}
	if cfg.PacingMaxSeconds < cfg.PacingMinSeconds {
		return nil, fmt.Errorf("invalid PACING_MAX_SECONDS: %d is below PACING_MIN_SECONDS %d", cfg.PacingMaxSeconds, cfg.PacingMinSeconds)
	}
	cfg.SenderNames = envList("SENDER_NAMES", cfg.SenderNames)

	// Smart template thresholds
	if cfg.SmartRatingThreshold, err = envFloat("SMART_RATING_THRESHOLD", cfg.SmartRatingThreshold); err != nil {
		return nil, err
	}
	if cfg.SmartReviewThreshold, err = envInt("SMART_REVIEW_THRESHOLD", cfg.SmartReviewThreshold); err != nil {
		return nil, err
	}
	if cfg.SmartDesignThreshold, err = envInt("SMART_DESIGN_THRESHOLD", cfg.SmartDesignThreshold); err != nil {
		return nil, err
	}
	if cfg.SmartPerformanceThreshold, err = envInt("SMART_PERFORMANCE_THRESHOLD", cfg.SmartPerformanceThreshold); err != nil {
		return nil, err
	}
	if cfg.SmartMinWebsiteLength, err = envInt("SMART_MIN_WEBSITE_LENGTH", cfg.SmartMinWebsiteLength); err != nil {
		return nil, err
	}
	if cfg.SmartFallbackAny, err = envBool("SMART_FALLBACK_ANY", cfg.SmartFallbackAny); err != nil {
		return nil, err
	}

	cfg.EmailOptOutFooter = envString("EMAIL_OPT_OUT_FOOTER", cfg.EmailOptOutFooter)
	cfg.ChatOptOutFooter = envString("CHAT_OPT_OUT_FOOTER", cfg.ChatOptOutFooter)

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
		}
		cfg.Timezone = loc
	}

	// Paced runner
	if cfg.WorkerEnabled, err = envBool("WORKER_ENABLED", cfg.WorkerEnabled); err != nil {
		return nil, err
	}
	if cfg.WorkerScanSeconds, err = envInt("WORKER_SCAN_SECONDS", cfg.WorkerScanSeconds); err != nil {
		return nil, err
	}
	if cfg.WorkerMaxCampaigns, err = envInt("WORKER_MAX_CAMPAIGNS", cfg.WorkerMaxCampaigns); err != nil {
		return nil, err
	}
	if cfg.WorkerClaimTTLSeconds, err = envInt("WORKER_CLAIM_TTL_SECONDS", cfg.WorkerClaimTTLSeconds); err != nil {
		return nil, err
	}

	if raw := os.Getenv("SCORING_WEIGHTS"); raw != "" {
		weights := map[string]float64{}
		if err := json.Unmarshal([]byte(raw), &weights); err != nil {
			return nil, fmt.Errorf("invalid SCORING_WEIGHTS: %w", err)
		}
		cfg.ScoringWeights = weights
	}

	return cfg, nil
}

func loadLimits(prefix string, l *ResourceLimits) error {
	var err error
	if l.DailyLimit, err = envInt(prefix+"_DAILY_LIMIT", l.DailyLimit); err != nil {
		return err
	}
	if l.MonthlyLimit, err = envInt(prefix+"_MONTHLY_LIMIT", l.MonthlyLimit); err != nil {
		return err
	}
	if l.RunMaxCalls, err = envInt(prefix+"_RUN_MAX_CALLS", l.RunMaxCalls); err != nil {
		return err
	}
	if l.PricePerThousand, err = envFloat(prefix+"_PRICE_PER_1000", l.PricePerThousand); err != nil {
		return err
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
