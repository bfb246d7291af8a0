package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultJobLockTTL is how long a running lock row is honoured before it may be stolen.
const DefaultJobLockTTL = 30 * time.Minute

type ReferralConfig struct {
	Enabled                 bool
	HoldDays                int
	InitialCommissionRate   float64
	RecurringCommissionRate float64
	CodeExpiryDays          *int // nil: codes never expire
	CookieExpiryDays        int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// Enabled reports whether enough settings are present to archive digests.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.AccessKeySecret != "" && c.Bucket != ""
}

type Config struct {
	DatabaseURL    string
	Port           string
	ServiceToken   string
	AllowedOrigins []string

	Referral ReferralConfig

	JobLockTTL time.Duration
	JobHolder  string

	OpsEmail          string
	AppURL            string
	EmailServiceURL   string
	EmailServiceToken string

	KafkaBrokers []string
	KafkaTopic   string

	// Profile sync mirrors member contact details; disabled when ProfileSyncURL is empty.
	ProfileSyncURL      string
	ProfileSyncPath     string
	ProfileSyncInterval time.Duration

	R2 R2Config
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests can supply their own environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		DatabaseURL:       e.str("DATABASE_URL", ""),
		Port:              e.str("PORT", "5200"),
		ServiceToken:      e.str("SERVICE_TOKEN", ""),
		AllowedOrigins:    e.list("ALLOWED_ORIGINS", "http://localhost:3000"),
		OpsEmail:          e.str("OPS_EMAIL", "ops@localhost"),
		AppURL:            strings.TrimRight(e.str("APP_URL", "http://localhost:3000"), "/"),
		EmailServiceURL:   e.str("EMAIL_SERVICE_URL", ""),
		EmailServiceToken: e.str("EMAIL_SERVICE_TOKEN", ""),
		KafkaBrokers:      e.list("KAFKA_BROKERS", ""),
		KafkaTopic:        e.str("KAFKA_TOPIC", "referral-events"),
		ProfileSyncURL:    e.str("SYNC_SERVICE_URL", ""),
		ProfileSyncPath:   e.str("PROFILE_SYNC_PATH", "/api/v1/public/profiles"),
		R2: R2Config{
			AccountID:       e.str("CLOUDFLARE_ACCOUNT_ID", ""),
			AccessKeyID:     e.str("R2_ACCESS_KEY_ID", ""),
			AccessKeySecret: e.str("R2_ACCESS_KEY_SECRET", ""),
			Bucket:          e.str("R2_BUCKET_NAME", ""),
		},
	}

	host, _ := os.Hostname()
	cfg.JobHolder = e.str("JOB_HOLDER", host)

	var err error
	if cfg.Referral.Enabled, err = e.boolean("REFERRAL_SYSTEM_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.Referral.HoldDays, err = e.integer("REFERRAL_HOLD_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.Referral.InitialCommissionRate, err = e.float("REFERRAL_INITIAL_COMMISSION_RATE", 0.15); err != nil {
		return nil, err
	}
	if cfg.Referral.RecurringCommissionRate, err = e.float("REFERRAL_RECURRING_COMMISSION_RATE", 0.10); err != nil {
		return nil, err
	}
	if cfg.Referral.CookieExpiryDays, err = e.integer("REFERRAL_COOKIE_EXPIRY_DAYS", 30); err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(getenv("REFERRAL_CODE_EXPIRY_DAYS")); raw != "" {
		days, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return nil, fmt.Errorf("REFERRAL_CODE_EXPIRY_DAYS: %w", convErr)
		}
		if days > 0 {
			cfg.Referral.CodeExpiryDays = &days
		}
	}
	if cfg.JobLockTTL, err = e.duration("JOB_LOCK_TTL", DefaultJobLockTTL); err != nil {
		return nil, err
	}
	if cfg.ProfileSyncInterval, err = e.duration("PROFILE_SYNC_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if cfg.Referral.HoldDays < 0 {
		return nil, fmt.Errorf("REFERRAL_HOLD_DAYS must not be negative, got %d", cfg.Referral.HoldDays)
	}
	if cfg.JobLockTTL <= 0 {
		return nil, fmt.Errorf("JOB_LOCK_TTL must be positive, got %s", cfg.JobLockTTL)
	}
	return cfg, nil
}

type env struct {
	get func(string) string
}

func (e env) str(key, defaultValue string) string {
	if value := strings.TrimSpace(e.get(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e env) list(key, defaultValue string) []string {
	raw := e.str(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e env) boolean(key string, defaultValue bool) (bool, error) {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func (e env) integer(key string, defaultValue int) (int, error) {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func (e env) float(key string, defaultValue float64) (float64, error) {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func (e env) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
