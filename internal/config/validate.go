package config

import (
	"fmt"
	"time"

	"github.com/carpentries/mailsched/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// MAIL_GATEWAY_URL is required
	if cfg.MailGatewayURL == "" {
		errs = append(errs, ValidationError{
			Field:   "MAIL_GATEWAY_URL",
			Message: "required",
		})
	}

	errs = appendDurationError(errs, "PROMOTE_INTERVAL", cfg.PromoteIntervalStr)
	errs = appendDurationError(errs, "MAIL_GATEWAY_TIMEOUT", cfg.MailGatewayTimeoutStr)
	errs = appendDurationError(errs, "RECONCILE_INTERVAL", cfg.ReconcileIntervalStr)
	errs = appendDurationError(errs, "RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr)
	errs = appendDurationError(errs, "RETENTION_WINDOW", cfg.RetentionWindowStr)

	// PURGE_SCHEDULE must be a valid five-field cron expression
	if cfg.PurgeSchedule != "" {
		if err := cron.NewParser().Validate(cfg.PurgeSchedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "PURGE_SCHEDULE",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	// PURGE_TIMEZONE must be loadable
	if cfg.PurgeTimezone != "" {
		if _, err := time.LoadLocation(cfg.PurgeTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "PURGE_TIMEZONE",
				Message: fmt.Sprintf("unknown timezone: %v", err),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationError(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
