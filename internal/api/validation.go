package api

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

func validateTemplate(req TemplateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Signal == "" {
		return fmt.Errorf("signal is required")
	}
	if req.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if req.Body == "" {
		return fmt.Errorf("body is required")
	}
	if req.From == "" {
		return fmt.Errorf("from is required")
	}
	if err := validateAddress(req.From); err != nil {
		return fmt.Errorf("invalid from: %w", err)
	}
	if req.ReplyTo != "" {
		if err := validateAddress(req.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply_to: %w", err)
		}
	}
	for _, addr := range req.CC {
		if err := validateAddress(addr); err != nil {
			return fmt.Errorf("invalid cc %q: %w", addr, err)
		}
	}
	for _, addr := range req.BCC {
		if err := validateAddress(addr); err != nil {
			return fmt.Errorf("invalid bcc %q: %w", addr, err)
		}
	}
	return nil
}

func validateAddress(addr string) error {
	_, err := mail.ParseAddress(addr)
	return err
}

func parseScheduledAt(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("scheduled_at is required")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduled_at must be RFC3339: %w", err)
	}
	return t, nil
}

func parseStrategy(value string) (domain.Strategy, error) {
	switch s := domain.Strategy(value); s {
	case domain.StrategyCreate, domain.StrategyUpdate, domain.StrategyRemove, domain.StrategyNoop:
		return s, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", value)
	}
}

// parseStatuses turns a comma-separated status filter into a status set.
// An empty filter means all statuses.
func parseStatuses(filter string) ([]domain.TaskStatus, error) {
	all := []domain.TaskStatus{
		domain.TaskStatusScheduled,
		domain.TaskStatusLocked,
		domain.TaskStatusRunning,
		domain.TaskStatusSucceeded,
		domain.TaskStatusFailed,
		domain.TaskStatusCancelled,
	}
	if filter == "" {
		return all, nil
	}

	known := make(map[domain.TaskStatus]bool, len(all))
	for _, s := range all {
		known[s] = true
	}

	var result []domain.TaskStatus
	for _, part := range strings.Split(filter, ",") {
		status := domain.TaskStatus(strings.TrimSpace(part))
		if !known[status] {
			return nil, fmt.Errorf("unknown status %q", status)
		}
		result = append(result, status)
	}
	return result, nil
}
