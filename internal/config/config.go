package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string
	AllowedOrigin string
	LogLevel      string
	LogPretty     bool

	DatabaseURL   string
	BackendURL    string
	BackendAPIKey string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret              string
	AccessTokenTTLMinutes   int
	RecoveryTokenTTLMinutes int
	ResetRedirectURL        string

	DefaultPricePerCup decimal.Decimal
	AppTimezone        string
	ReconcileSchedule  string
	SnapshotTTLMinutes int
	SeedFixtures       string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioPhoneNumber  string
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; variables already set win over it.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config: ignoring .env: %v\n", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	price, err := decimal.NewFromString(getEnv("DEFAULT_PRICE_PER_CUP", "10"))
	if err != nil || !price.IsPositive() {
		price = decimal.NewFromInt(10)
	}

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPretty:     getBool("LOG_PRETTY", false),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		BackendURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_URL")), "/"),
		BackendAPIKey: strings.TrimSpace(os.Getenv("BACKEND_API_KEY")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		RecoveryTokenTTLMinutes: getPositiveInt("RECOVERY_TOKEN_TTL_MINUTES", 30),
		ResetRedirectURL:        getEnv("RESET_REDIRECT_URL", "http://127.0.0.1:3000/reset-password"),

		DefaultPricePerCup: price,
		AppTimezone:        getEnv("APP_TIMEZONE", "UTC"),
		ReconcileSchedule:  lookupEnv("RECONCILE_SCHEDULE", "@every 5m"),
		SnapshotTTLMinutes: getPositiveInt("SNAPSHOT_TTL_MINUTES", 1440),
		SeedFixtures:       strings.TrimSpace(os.Getenv("SEED_FIXTURES")),
		TwilioAccountSID:   strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		TwilioAuthToken:    strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		TwilioPhoneNumber:  strings.TrimSpace(os.Getenv("TWILIO_PHONE_NUMBER")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Hosted reports whether the hosted backend serves both records and sessions.
func (c Config) Hosted() bool {
	return c.BackendURL != ""
}

func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioPhoneNumber != ""
}

func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.AppTimezone)
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RecoveryTTL() time.Duration {
	return time.Duration(c.RecoveryTokenTTLMinutes) * time.Minute
}

func (c Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// lookupEnv is getEnv that keeps an explicitly empty value.
func lookupEnv(key string, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(val)
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
