package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single config validation problem with a
// suggested fix.
type ValidationError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidateDetailed performs validation beyond Validate's pass/fail check,
// collecting every problem (not just the first) with a human-readable
// suggestion for each.
func (c *Config) ValidateDetailed() []ValidationError {
	var errs []ValidationError

	if c.Version != 1 {
		errs = append(errs, ValidationError{
			Field:      "version",
			Value:      c.Version,
			Message:    fmt.Sprintf("unsupported version: %d", c.Version),
			Suggestion: "use version: 1",
		})
	}
	if c.General.CacheRoot == "" {
		errs = append(errs, ValidationError{
			Field:      "general.cache_root",
			Message:    "required field missing",
			Suggestion: "set to a directory for the on-disk cache:\n  cache_root: .cache",
		})
	}
	if c.Concurrency.MaxThreads < 1 {
		errs = append(errs, ValidationError{
			Field:      "concurrency.max_threads",
			Value:      c.Concurrency.MaxThreads,
			Message:    "must be at least 1",
			Suggestion: "recommended: 8-32 threads",
		})
	}
	if c.Concurrency.MaxThreads > 256 {
		errs = append(errs, ValidationError{
			Field:      "concurrency.max_threads",
			Value:      c.Concurrency.MaxThreads,
			Message:    "unusually high (>256)",
			Suggestion: "high values rarely improve throughput past origin concurrency limits",
		})
	}
	if c.Concurrency.MaxChunkMB < 1 {
		errs = append(errs, ValidationError{
			Field:      "concurrency.max_chunk_mb",
			Value:      c.Concurrency.MaxChunkMB,
			Message:    "must be at least 1",
			Suggestion: "recommended: 4-16 MB",
		})
	}
	if c.Concurrency.MaxRetries < 1 {
		errs = append(errs, ValidationError{
			Field:      "concurrency.max_retries",
			Value:      c.Concurrency.MaxRetries,
			Message:    "must be at least 1",
			Suggestion: "recommended: 3-5 retries",
		})
	}
	if c.Network.SocketTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:      "network.socket_timeout_seconds",
			Value:      c.Network.SocketTimeoutSeconds,
			Message:    "must be at least 1 second",
			Suggestion: "recommended: 30-60 seconds",
		})
	}
	switch stringsLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:      "logging.level",
			Value:      c.Logging.Level,
			Message:    "invalid log level",
			Suggestion: "use one of: debug, info, warn, error",
		})
	}
	switch stringsLower(c.CA.LeafKeyMode) {
	case "shared", "fresh":
	default:
		errs = append(errs, ValidationError{
			Field:      "ca.leaf_key_mode",
			Value:      c.CA.LeafKeyMode,
			Message:    "invalid leaf key mode",
			Suggestion: "use one of: shared, fresh",
		})
	}
	for _, port := range []struct {
		name  string
		value int
	}{{"proxy.http_port", c.Proxy.HTTPPort}, {"proxy.crl_port", c.Proxy.CRLPort}, {"proxy.socks5_port", c.Proxy.SOCKS5Port}} {
		if port.value < 1 || port.value > 65535 {
			errs = append(errs, ValidationError{
				Field:      port.name,
				Value:      port.value,
				Message:    "must be a valid TCP port",
				Suggestion: "use a value between 1 and 65535",
			})
		}
	}
	return errs
}

// ValidateWithDiagnostics runs Validate and ValidateDetailed. Any
// ValidateDetailed finding is returned as a single multi-line error for
// display, even when Validate itself passes; otherwise Validate's own error
// (or nil) is returned.
func (c *Config) ValidateWithDiagnostics() error {
	if err := c.Validate(); err == nil {
		if errs := c.ValidateDetailed(); len(errs) > 0 {
			return detailedErrs(errs)
		}
		return nil
	} else if errs := c.ValidateDetailed(); len(errs) > 0 {
		return detailedErrs(errs)
	} else {
		return err
	}
}

func detailedErrs(errs []ValidationError) error {
	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, e := range errs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e.Error())
		if e.Value != nil {
			fmt.Fprintf(&b, "   current value: %v\n", e.Value)
		}
		if e.Suggestion != "" {
			for _, line := range strings.Split(e.Suggestion, "\n") {
				fmt.Fprintf(&b, "   -> %s\n", line)
			}
		}
	}
	return fmt.Errorf("%s", b.String())
}
