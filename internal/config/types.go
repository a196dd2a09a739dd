// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// RuntimeStatic serves only classes linked into the host.
	RuntimeStatic RuntimeName = "static"
	// RuntimeScript runs the JavaScript classes shipped in archives.
	RuntimeScript RuntimeName = "script"

	// LogLevelDebug logs everything.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo logs lifecycle transitions.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn logs failures and skipped archives.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError logs errors only.
	LogLevelError LogLevel = "error"

	// DefaultHostPackage names the host module when none is configured.
	DefaultHostPackage = "plugkit.host"
)

var (
	// ErrInvalidRuntimeName is returned when a RuntimeName is not recognized.
	ErrInvalidRuntimeName = errors.New("invalid runtime")
	// ErrInvalidLogLevel is returned when a LogLevel is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidSearchDir is the sentinel wrapped by InvalidSearchDirError.
	ErrInvalidSearchDir = errors.New("invalid search dir")
	// ErrInvalidBuildTime is returned when system_build_time is not RFC 3339.
	ErrInvalidBuildTime = errors.New("invalid system build time")
	// ErrInvalidConfig is the sentinel wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// RuntimeName selects the code runtime of archive modules.
	RuntimeName string

	// InvalidRuntimeNameError is returned when a RuntimeName is not recognized.
	// It wraps ErrInvalidRuntimeName for errors.Is() compatibility.
	InvalidRuntimeNameError struct {
		Value RuntimeName
	}

	// LogLevel is the configured logger level.
	LogLevel string

	// InvalidLogLevelError is returned when a LogLevel is not recognized.
	InvalidLogLevelError struct {
		Value LogLevel
	}

	// InvalidSearchDirError is returned for a search dir without path, or
	// one listed twice.
	InvalidSearchDirError struct {
		Path   string
		Reason string
	}

	// InvalidConfigError collects the field errors of a Config.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// SearchDir is one directory scanned for archives.
	SearchDir struct {
		Path string `json:"path" yaml:"path" mapstructure:"path"`
		// Shared archives keep their cache below shared_cache_dir.
		Shared bool `json:"shared,omitempty" yaml:"shared,omitempty" mapstructure:"shared"`
	}

	// Config holds the application configuration.
	Config struct {
		CacheDir         string              `json:"cache_dir" yaml:"cache_dir" mapstructure:"cache_dir"`
		SharedCacheDir   string              `json:"shared_cache_dir" yaml:"shared_cache_dir" mapstructure:"shared_cache_dir"`
		SearchDirs       []SearchDir         `json:"search_dirs" yaml:"search_dirs" mapstructure:"search_dirs"`
		ImportFrom       []string            `json:"import_from" yaml:"import_from" mapstructure:"import_from"`
		SystemPrefix     string              `json:"system_prefix" yaml:"system_prefix" mapstructure:"system_prefix"`
		SystemBuildTime  string              `json:"system_build_time" yaml:"system_build_time" mapstructure:"system_build_time"`
		ABIs             []string            `json:"abis" yaml:"abis" mapstructure:"abis"`
		InArchiveNative  bool                `json:"in_archive_native" yaml:"in_archive_native" mapstructure:"in_archive_native"`
		ExtractPrefixes  []string            `json:"extract_prefixes" yaml:"extract_prefixes" mapstructure:"extract_prefixes"`
		DelayStart       bool                `json:"delay_start" yaml:"delay_start" mapstructure:"delay_start"`
		Templates        []string            `json:"templates" yaml:"templates" mapstructure:"templates"`
		LoadFilter       string              `json:"load_filter" yaml:"load_filter" mapstructure:"load_filter"`
		Runtime          RuntimeName         `json:"runtime" yaml:"runtime" mapstructure:"runtime"`
		HostPackage      string              `json:"host_package" yaml:"host_package" mapstructure:"host_package"`
		SelectedOverlays map[string][]string `json:"selected_overlays" yaml:"selected_overlays" mapstructure:"-"`
		Locale           string              `json:"locale" yaml:"locale" mapstructure:"locale"`
		LogLevel         LogLevel            `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	}
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		SearchDirs:       []SearchDir{},
		ImportFrom:       []string{},
		ABIs:             []string{},
		ExtractPrefixes:  []string{},
		Templates:        []string{},
		Runtime:          RuntimeScript,
		HostPackage:      DefaultHostPackage,
		SelectedOverlays: map[string][]string{},
		LogLevel:         LogLevelWarn,
	}
}

// BuildTime parses SystemBuildTime. The zero time is returned when unset.
func (c *Config) BuildTime() (time.Time, error) {
	if c.SystemBuildTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.SystemBuildTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %w", ErrInvalidBuildTime, c.SystemBuildTime, err)
	}
	return t, nil
}

// IsValid returns whether the Config has valid fields. It covers what the
// CUE schema cannot express: duplicate search dirs and the build time format.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if valid, fieldErrs := c.Runtime.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.LogLevel.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	seen := make(map[string]bool, len(c.SearchDirs))
	for _, d := range c.SearchDirs {
		switch p := strings.TrimSpace(d.Path); {
		case p == "":
			errs = append(errs, &InvalidSearchDirError{Path: d.Path, Reason: "empty path"})
		case seen[p]:
			errs = append(errs, &InvalidSearchDirError{Path: d.Path, Reason: "listed twice"})
		default:
			seen[p] = true
		}
	}
	if _, err := c.BuildTime(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes the sentinel and every field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// Error implements the error interface for InvalidSearchDirError.
func (e *InvalidSearchDirError) Error() string {
	return fmt.Sprintf("invalid search dir %q: %s", e.Path, e.Reason)
}

// Unwrap returns ErrInvalidSearchDir for errors.Is() compatibility.
func (e *InvalidSearchDirError) Unwrap() error { return ErrInvalidSearchDir }

// String returns the string representation of the RuntimeName.
func (r RuntimeName) String() string { return string(r) }

// IsValid returns whether the RuntimeName is a known runtime. The zero
// value selects the default.
func (r RuntimeName) IsValid() (bool, []error) {
	switch r {
	case "", RuntimeStatic, RuntimeScript:
		return true, nil
	default:
		return false, []error{&InvalidRuntimeNameError{Value: r}}
	}
}

// Error implements the error interface for InvalidRuntimeNameError.
func (e *InvalidRuntimeNameError) Error() string {
	return fmt.Sprintf("invalid runtime %q (valid: static, script)", e.Value)
}

// Unwrap returns ErrInvalidRuntimeName for errors.Is() compatibility.
func (e *InvalidRuntimeNameError) Unwrap() error { return ErrInvalidRuntimeName }

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string { return string(l) }

// IsValid returns whether the LogLevel is known. The zero value is warn.
func (l LogLevel) IsValid() (bool, []error) {
	switch l {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true, nil
	default:
		return false, []error{&InvalidLogLevelError{Value: l}}
	}
}

// Level converts the value for charmbracelet/log.
func (l LogLevel) Level() log.Level {
	switch l {
	case LogLevelDebug:
		return log.DebugLevel
	case LogLevelInfo:
		return log.InfoLevel
	case LogLevelError:
		return log.ErrorLevel
	default:
		return log.WarnLevel
	}
}

// Error implements the error interface for InvalidLogLevelError.
func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q (valid: debug, info, warn, error)", e.Value)
}

// Unwrap returns ErrInvalidLogLevel for errors.Is() compatibility.
func (e *InvalidLogLevelError) Unwrap() error { return ErrInvalidLogLevel }
