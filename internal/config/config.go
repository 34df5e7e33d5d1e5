// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"shopfront.dev/internal/auth"
)

type Config struct {
	Env       string
	HTTPAddr  string
	GRPCAddr  string
	Database  DatabaseConfig
	Auth      AuthConfig
	Password  auth.PasswordPolicy
	AMQP      AMQPConfig
	RateLimit RateLimitConfig
	CORS      []string
	// TrustProxyHeaders makes the client IP come from X-Forwarded-For/X-Real-IP.
	TrustProxyHeaders bool
}

type DatabaseConfig struct {
	URL     string
	Timeout time.Duration
}

type AuthConfig struct {
	Secret       string
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	CookieSecure bool
}

type AMQPConfig struct {
	URL   string
	Queue string
}

type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Load reads the environment. With APP_ENV=dev a .env file in the working
// directory is loaded first; variables already set take precedence.
func Load() (Config, error) {
	env := getEnv("APP_ENV", "production")
	if env == "dev" {
		_ = godotenv.Load()
	}

	var errs []error
	cfg := Config{
		Env:      env,
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("GRPC_ADDR", ""),
		Database: DatabaseConfig{
			URL:     getEnv("DATABASE_URL", ""),
			Timeout: getSeconds("DB_TIMEOUT_SECONDS", 5, &errs),
		},
		Auth: AuthConfig{
			Secret:       os.Getenv("AUTH_JWT_SECRET"),
			Issuer:       getEnv("AUTH_JWT_ISSUER", "shopfront"),
			AccessTTL:    getSeconds("AUTH_ACCESS_TTL_SECONDS", 900, &errs),
			RefreshTTL:   getSeconds("AUTH_REFRESH_TTL_SECONDS", 604800, &errs),
			CookieSecure: getBool("AUTH_COOKIE_SECURE", true, &errs),
		},
		Password: auth.PasswordPolicy{
			MinLength:        getInt("PASSWORD_MIN_LENGTH", 8, &errs),
			MaxLength:        getInt("PASSWORD_MAX_LENGTH", auth.MaxPasswordBytes, &errs),
			RequireUppercase: getBool("PASSWORD_REQUIRE_UPPERCASE", true, &errs),
			RequireLowercase: getBool("PASSWORD_REQUIRE_LOWERCASE", true, &errs),
			RequireDigit:     getBool("PASSWORD_REQUIRE_DIGIT", true, &errs),
			RequireSpecial:   getBool("PASSWORD_REQUIRE_SPECIAL", true, &errs),
		},
		AMQP: AMQPConfig{
			URL:   getEnv("AMQP_URL", ""),
			Queue: getEnv("AMQP_EVENTS_QUEUE", "user-events"),
		},
		RateLimit: RateLimitConfig{
			PerSecond: getFloat("LOGIN_RATE_PER_SECOND", 5, &errs),
			Burst:     getInt("LOGIN_RATE_BURST", 10, &errs),
		},
		CORS:              splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		TrustProxyHeaders: getBool("TRUST_PROXY_HEADERS", false, &errs),
	}

	if len(cfg.Auth.Secret) < 32 {
		errs = append(errs, errors.New("AUTH_JWT_SECRET must be set to at least 32 bytes"))
	}
	if cfg.Password.MinLength < 1 || cfg.Password.MaxLength < cfg.Password.MinLength {
		errs = append(errs, fmt.Errorf("password length bounds %d..%d are invalid", cfg.Password.MinLength, cfg.Password.MaxLength))
	}
	if cfg.Password.MaxLength > auth.MaxPasswordBytes {
		errs = append(errs, fmt.Errorf("PASSWORD_MAX_LENGTH %d exceeds the bcrypt limit of %d bytes", cfg.Password.MaxLength, auth.MaxPasswordBytes))
	}
	if cfg.RateLimit.PerSecond <= 0 || cfg.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("login rate limit must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64, errs *[]error) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func getSeconds(key string, defaultValue int, errs *[]error) time.Duration {
	n := getInt(key, defaultValue, errs)
	if n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive", key))
		return time.Duration(defaultValue) * time.Second
	}
	return time.Duration(n) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
