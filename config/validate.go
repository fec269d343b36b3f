package config

import (
	"errors"
	"fmt"
	"strings"
)

// Error describes one invalid field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the fields the selected backend needs. It performs no I/O.
// All problems are reported, joined with errors.Join.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &Error{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Backend {
	case BackendNetworkToolkit, BackendProtocolLibrary:
		if c.Host == "" {
			add("host", "is required")
		}
		if c.Port < 1 || c.Port > 65535 {
			add("port", "must be between 1 and 65535, got %d", c.Port)
		}
		checkAETitle(add, "called_ae_title", c.CalledAETitle)
		checkAETitle(add, "calling_ae_title", c.CallingAETitle)
		if c.Backend == BackendNetworkToolkit && (c.StoragePort < 1 || c.StoragePort > 65535) {
			add("storage_port", "must be between 1 and 65535, got %d", c.StoragePort)
		}
		if c.ConnectTimeout <= 0 {
			add("connect_timeout", "must be positive")
		}
		if c.ReadTimeout <= 0 {
			add("read_timeout", "must be positive")
		}
		if c.IdleTimeout < 0 {
			add("idle_timeout", "must not be negative")
		}
	case BackendFilesystem:
		if c.Root == "" {
			add("root", "is required")
		}
		if c.IndexName == "" || strings.ContainsAny(c.IndexName, `/\`) {
			add("index_name", "must be a plain file name, got %q", c.IndexName)
		}
	case "":
		add("backend", "is required")
	default:
		add("backend", "unknown backend %q (want %s, %s or %s)", c.Backend,
			BackendNetworkToolkit, BackendProtocolLibrary, BackendFilesystem)
	}

	if c.RetrieveTimeout <= 0 {
		add("retrieve_timeout", "must be positive")
	}
	if c.Workers < 1 {
		add("workers", "must be at least 1, got %d", c.Workers)
	}
	if c.Retry.Attempts < 1 {
		add("retry.attempts", "must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.TimeoutPadding < 0 {
		add("retry", "durations must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier", "must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		add("retry.max_backoff", "must not be below initial_backoff")
	}

	return errors.Join(errs...)
}

func checkAETitle(add func(field, format string, args ...any), field, title string) {
	switch {
	case strings.TrimSpace(title) == "":
		add(field, "is required")
	case len(title) > 16:
		add(field, "must be at most 16 characters, got %d", len(title))
	}
}
