package config

import (
	"fmt"
	"strings"
)

// ValidationError collects multiple validation errors.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the process configuration. It returns nil when the config
// is usable.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	if cfg.Scheduling.CacheTTL <= 0 {
		ve.Add("scheduling.cacheTTL must be positive")
	}

	if cfg.Commands.ReapInterval <= 0 {
		ve.Add("commands.reapInterval must be positive")
	}
	if cfg.Commands.OutboxCapacity < 1 {
		ve.Add("commands.outboxCapacity must be >= 1")
	}
	if cfg.Commands.BreakerErrorRate <= 0 || cfg.Commands.BreakerErrorRate > 1 {
		ve.Add("commands.breakerErrorRate must be in (0, 1]")
	}
	if cfg.Commands.BreakerWindow <= 0 {
		ve.Add("commands.breakerWindow must be positive")
	}

	if cfg.Events.MaxBuffered < 1 {
		ve.Add("events.maxBuffered must be >= 1")
	}

	if cfg.Database.Path == "" {
		ve.Add("database.path must not be empty")
	}
	if cfg.Database.RetentionDays < 1 {
		ve.Add("database.retentionDays must be >= 1")
	}
	if cfg.Database.WriteBuffer < 1 {
		ve.Add("database.writeBuffer must be >= 1")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
