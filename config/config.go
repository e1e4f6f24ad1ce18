package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Geo            GeoConfig
	Matching       MatchingConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// GeoConfig controls the IP-to-country resolver.
type GeoConfig struct {
	EndpointURL    string // %s is replaced with the IP
	DefaultCountry string
	CacheTTL       time.Duration
}

// MatchingConfig holds the matchmaking engine tunables.
type MatchingConfig struct {
	TickInterval       time.Duration
	GenderTierAfter    time.Duration // premium gender-only tier unlocks
	StandardTierAfter  time.Duration // standard opposite-gender tier unlocks
	RandomTierAfter    time.Duration // random fallback tier unlocks
	JoinCooldown       time.Duration // rejoin attempts inside this window are rejected
	MatchProtection    time.Duration // fresh matches ignore teardown this long
	KarmaTolerance     int
	SmallPoolThreshold int // at or below this pool size, wait gates and strictness relax
}

func Load() *Config {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Geo: GeoConfig{
			EndpointURL:    getEnv("GEO_ENDPOINT", "http://ip-api.com/json/%s?fields=countryCode"),
			DefaultCountry: getEnv("GEO_DEFAULT_COUNTRY", "US"),
			CacheTTL:       getDuration("GEO_CACHE_TTL", 24*time.Hour),
		},
		Matching: MatchingConfig{
			TickInterval:       getDuration("MATCH_TICK_INTERVAL", 500*time.Millisecond),
			GenderTierAfter:    getDuration("MATCH_GENDER_TIER_AFTER", 500*time.Millisecond),
			StandardTierAfter:  getDuration("MATCH_STANDARD_TIER_AFTER", 1500*time.Millisecond),
			RandomTierAfter:    getDuration("MATCH_RANDOM_TIER_AFTER", 3*time.Second),
			JoinCooldown:       getDuration("MATCH_JOIN_COOLDOWN", 3*time.Second),
			MatchProtection:    getDuration("MATCH_PROTECTION_WINDOW", 2*time.Second),
			KarmaTolerance:     getInt("MATCH_KARMA_TOLERANCE", 70),
			SmallPoolThreshold: getInt("MATCH_SMALL_POOL", 2),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
