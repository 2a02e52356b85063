package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	BackendURL   string
	RatesURL     string
	PollInterval time.Duration
	RateCacheTTL time.Duration
	CORSOrigin   string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	NoticeEmail  string
	// Redis Configuration
	RedisURL string
}

func Load() Config {
	return Config{
		Addr:         getenv("API_ADDR", ":8690"),
		BackendURL:   getenv("COVERLINE_BACKEND_URL", "http://localhost:8080"),
		RatesURL:     getenv("COVERLINE_RATES_URL", "http://localhost:9180"),
		PollInterval: time.Duration(getenvInt("COVERLINE_POLL_INTERVAL_SECONDS", 5)) * time.Second,
		RateCacheTTL: time.Duration(getenvInt("COVERLINE_RATE_CACHE_TTL_SECONDS", 900)) * time.Second,
		CORSOrigin:   getenv("COVERLINE_CORS_ORIGIN", "*"),
		// SMTP - empty by default, notice emails disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Coverline"),
		NoticeEmail:  getenv("COVERLINE_NOTICE_EMAIL", ""),
		// Redis - empty means the rate cache stays in-process only
		RedisURL: getenv("REDIS_URL", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
