package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.DesktopURL = "http://127.0.0.1:8765"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("non-ws URL scheme should be fatal")
	}
}

func TestValidateTieredEmptyDesktopURLIsFatal(t *testing.T) {
	cfg := Default()
	cfg.DesktopURL = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("empty desktop_url should be fatal")
	}
}

func TestValidateTieredControlCharsInSourceIsFatal(t *testing.T) {
	cfg := Default()
	cfg.HandshakeSource = "bridge\x00name"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in handshake_source should be fatal")
	}
}

func TestValidateTieredMissingPlatformsFileIsFatal(t *testing.T) {
	cfg := Default()
	cfg.PlatformsFile = filepath.Join(t.TempDir(), "nope.yaml")
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing platforms_file should be fatal")
	}
}

func TestValidateTieredIntervalClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.ReconnectIntervalMs = 10 // below minimum 1000
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped interval")
	}
	if cfg.ReconnectIntervalMs != 1000 {
		t.Fatalf("ReconnectIntervalMs = %d, want 1000 (clamped)", cfg.ReconnectIntervalMs)
	}
}

func TestValidateTieredHighIntervalClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.DetectIntervalMs = 999999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.DetectIntervalMs != 60000 {
		t.Fatalf("DetectIntervalMs = %d, want 60000 (clamped)", cfg.DetectIntervalMs)
	}
}

func TestValidateTieredSampleRateClamping(t *testing.T) {
	cfg := Default()
	cfg.SampleRate = 4000
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped sample rate should be warning: %v", result.Fatals)
	}
	if cfg.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", cfg.SampleRate)
	}
}

func TestValidateTieredBufferSizeMustBePowerOfTwo(t *testing.T) {
	for _, bad := range []int{0, 100, 5000, 65536} {
		cfg := Default()
		cfg.BufferSize = bad
		result := cfg.ValidateTiered()
		if result.HasFatals() {
			t.Fatalf("buffer_size %d should warn, not be fatal: %v", bad, result.Fatals)
		}
		if cfg.BufferSize != 4096 {
			t.Fatalf("BufferSize after %d = %d, want 4096", bad, cfg.BufferSize)
		}
	}

	cfg := Default()
	cfg.BufferSize = 2048
	result := cfg.ValidateTiered()
	if len(result.Warnings) > 0 {
		t.Fatalf("buffer_size 2048 is valid, got warnings: %v", result.Warnings)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestValidateTieredEmptySourceIsCorrected(t *testing.T) {
	cfg := Default()
	cfg.HandshakeSource = ""
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("empty handshake_source should be corrected: %v", result.Fatals)
	}
	if !strings.Contains(cfg.HandshakeSource, "tabscribe") {
		t.Fatalf("HandshakeSource = %q, want default restored", cfg.HandshakeSource)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.DesktopURL = "ftp://bad" // fatal
	cfg.LogFormat = "xml"        // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}
