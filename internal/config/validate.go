package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must abort startup from ones the
// bridge can correct and continue with.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was found.
func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config. Values that would break the bridge at
// runtime are clamped to safe defaults and reported as warnings; values
// that cannot be corrected (unreachable endpoint syntax, missing platform
// table) are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.DesktopURL == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("desktop_url must be set"))
	} else {
		u, err := url.Parse(c.DesktopURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("desktop_url %q is not a valid URL: %w", c.DesktopURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			result.Fatals = append(result.Fatals, fmt.Errorf("desktop_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}

	if c.HandshakeSource == "" {
		result.Warnings = append(result.Warnings, fmt.Errorf("handshake_source is empty, using default"))
		c.HandshakeSource = Default().HandshakeSource
	} else {
		for _, r := range c.HandshakeSource {
			if unicode.IsControl(r) || unicode.IsSpace(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("handshake_source contains control or space characters"))
				break
			}
		}
	}

	if c.PlatformsFile != "" {
		if _, err := os.Stat(c.PlatformsFile); err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("platforms_file %q is not readable: %w", c.PlatformsFile, err))
		}
	}

	// Clamp intervals to safe range
	if c.ReconnectIntervalMs < 1000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnect_interval_ms %d is below minimum 1000, clamping", c.ReconnectIntervalMs))
		c.ReconnectIntervalMs = 1000
	} else if c.ReconnectIntervalMs > 300000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("reconnect_interval_ms %d exceeds maximum 300000, clamping", c.ReconnectIntervalMs))
		c.ReconnectIntervalMs = 300000
	}

	if c.WatchdogIntervalSeconds < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("watchdog_interval_seconds %d is below minimum 5, clamping", c.WatchdogIntervalSeconds))
		c.WatchdogIntervalSeconds = 5
	} else if c.WatchdogIntervalSeconds > 300 {
		result.Warnings = append(result.Warnings, fmt.Errorf("watchdog_interval_seconds %d exceeds maximum 300, clamping", c.WatchdogIntervalSeconds))
		c.WatchdogIntervalSeconds = 300
	}

	if c.DetectIntervalMs < 500 {
		result.Warnings = append(result.Warnings, fmt.Errorf("detect_interval_ms %d is below minimum 500, clamping", c.DetectIntervalMs))
		c.DetectIntervalMs = 500
	} else if c.DetectIntervalMs > 60000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("detect_interval_ms %d exceeds maximum 60000, clamping", c.DetectIntervalMs))
		c.DetectIntervalMs = 60000
	}

	if c.SampleRate < 8000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("sample_rate %d is below minimum 8000, clamping", c.SampleRate))
		c.SampleRate = 8000
	} else if c.SampleRate > 48000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("sample_rate %d exceeds maximum 48000, clamping", c.SampleRate))
		c.SampleRate = 48000
	}

	if c.BufferSize < 256 || c.BufferSize > 16384 || c.BufferSize&(c.BufferSize-1) != 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("buffer_size %d must be a power of two in [256, 16384], using 4096", c.BufferSize))
		c.BufferSize = 4096
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return result
}
