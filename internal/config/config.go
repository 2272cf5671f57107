package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                 string
	Env                  string
	DatabaseURL          string
	RedisURL             string
	AllowedOrigin        string
	BoardCacheTTL        time.Duration
	ServiceDayTimezone   string
	ServiceDayRollover   time.Duration
	ServingDisplayCap    int
	PublicRatePerMinute  int
	TellerRatePerMinute  int
	TellerRateBurst      int
	StaleServingGrace    time.Duration
	StaleServingInterval time.Duration
	StaleServingBatch    int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}
	timezone := os.Getenv("SERVICE_DAY_TZ")
	if timezone == "" {
		timezone = "Local"
	}

	return Config{
		Port:                 port,
		Env:                  env,
		DatabaseURL:          os.Getenv("DB_DSN"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AllowedOrigin:        os.Getenv("ALLOWED_ORIGIN"),
		BoardCacheTTL:        readDurationSeconds("BOARD_CACHE_TTL_SECONDS", 2),
		ServiceDayTimezone:   timezone,
		ServiceDayRollover:   time.Duration(readInt("SERVICE_DAY_ROLLOVER_MINUTES", 0)) * time.Minute,
		ServingDisplayCap:    readInt("SERVING_DISPLAY_CAP", 8),
		PublicRatePerMinute:  readInt("PUBLIC_RATE_LIMIT_PER_MIN", 200),
		TellerRatePerMinute:  readInt("TELLER_RATE_LIMIT_PER_MIN", 120),
		TellerRateBurst:      readInt("TELLER_RATE_LIMIT_BURST", 30),
		StaleServingGrace:    readDurationSeconds("STALE_SERVING_GRACE_SECONDS", 0),
		StaleServingInterval: readDurationSeconds("STALE_SERVING_SCAN_INTERVAL_SECONDS", 60),
		StaleServingBatch:    readInt("STALE_SERVING_BATCH_SIZE", 100),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
