package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Upstream model
	if c.LLM.APIKey == "" {
		errs = append(errs, "LLM_API_KEY is required")
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("LLM_TIMEOUT must be positive, got %s", c.LLM.Timeout))
	}
	if c.LLM.MaxRPS < 0 {
		errs = append(errs, fmt.Sprintf("LLM_MAX_RPS must not be negative, got %g", c.LLM.MaxRPS))
	}

	// Default policy thresholds
	if c.Quota.MessagesPerHour < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_MESSAGES_PER_HOUR must be positive, got %d", c.Quota.MessagesPerHour))
	}
	if c.Quota.MessagesPerDay < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_MESSAGES_PER_DAY must be positive, got %d", c.Quota.MessagesPerDay))
	}
	if c.Quota.CallsPerMinute < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_CALLS_PER_MINUTE must be positive, got %d", c.Quota.CallsPerMinute))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// NATS: warn only
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, usage and audit events will not be published")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
