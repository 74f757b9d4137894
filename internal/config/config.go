package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	GinMode     string
	CORSOrigins []string

	MongoURI string
	DBName   string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Visitor state kept in Redis expires after this many hours of inactivity
	WidgetStateTTLHours int

	// Session identity and popup timing
	ReturnVisitWindowMinutes int
	PopupCountdownMinutes    int
	PopupVisitDelayMs        int
	PopupRedisplayDelayMs    int
	ExitIntentThresholdPx    int

	// Widget session tokens
	SessionTokenSecret   string
	SessionTokenTTLHours int

	RateLimitReqs     int
	RateLimitWindow   int
	WSEventsPerSecond int

	AgentCacheRefreshMinutes int
	AnalyticsEnabled         bool

	// Empty disables trace export
	OTelExporterEndpoint string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "*"), ","),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017/saas_chatbot"),
		DBName:   getEnv("DB_NAME", "saas_chatbot"),

		// Redis Configuration
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WidgetStateTTLHours: getEnvInt("WIDGET_STATE_TTL_HOURS", 720), // 30 days

		ReturnVisitWindowMinutes: getEnvInt("RETURN_VISIT_WINDOW_MINUTES", 60),
		PopupCountdownMinutes:    getEnvInt("POPUP_COUNTDOWN_MINUTES", 60),
		PopupVisitDelayMs:        getEnvInt("POPUP_VISIT_DELAY_MS", 1500),
		PopupRedisplayDelayMs:    getEnvInt("POPUP_REDISPLAY_DELAY_MS", 1000),
		ExitIntentThresholdPx:    getEnvInt("EXIT_INTENT_THRESHOLD_PX", 10),

		SessionTokenSecret:   getEnv("SESSION_TOKEN_SECRET", ""),
		SessionTokenTTLHours: getEnvInt("SESSION_TOKEN_TTL_HOURS", 12),

		RateLimitReqs:     getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvInt("RATE_LIMIT_WINDOW", 60),
		WSEventsPerSecond: getEnvInt("WS_EVENTS_PER_SECOND", 20),

		AgentCacheRefreshMinutes: getEnvInt("AGENT_CACHE_REFRESH_MINUTES", 5),
		AnalyticsEnabled:         getEnvBool("ANALYTICS_ENABLED", true),

		OTelExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", ""),
	}

	// Validate required fields
	if cfg.SessionTokenSecret == "" {
		return nil, fmt.Errorf("SESSION_TOKEN_SECRET is required - set it in .env file")
	}

	if cfg.ReturnVisitWindowMinutes <= 0 {
		return nil, fmt.Errorf("RETURN_VISIT_WINDOW_MINUTES must be positive")
	}

	return cfg, nil
}

// ReturnVisitWindow is the gap after which a visit counts as returning.
func (c *Config) ReturnVisitWindow() time.Duration {
	return time.Duration(c.ReturnVisitWindowMinutes) * time.Minute
}

func (c *Config) PopupCountdown() time.Duration {
	return time.Duration(c.PopupCountdownMinutes) * time.Minute
}

func (c *Config) PopupVisitDelay() time.Duration {
	return time.Duration(c.PopupVisitDelayMs) * time.Millisecond
}

func (c *Config) PopupRedisplayDelay() time.Duration {
	return time.Duration(c.PopupRedisplayDelayMs) * time.Millisecond
}

func (c *Config) WidgetStateTTL() time.Duration {
	return time.Duration(c.WidgetStateTTLHours) * time.Hour
}

func (c *Config) SessionTokenTTL() time.Duration {
	return time.Duration(c.SessionTokenTTLHours) * time.Hour
}

func (c *Config) AgentCacheRefresh() time.Duration {
	return time.Duration(c.AgentCacheRefreshMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
