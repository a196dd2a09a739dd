// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"github.com/spf13/viper"

	"github.com/plugkit/plugkit/internal/issue"
	"github.com/plugkit/plugkit/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "plugkit"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "PLUGKIT"

	selectedOverlaysKey = "selected_overlays"
)

//go:embed config_schema.cue
var configSchema []byte

// ConfigDir returns the plugkit configuration directory below the
// platform's user configuration directory.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// loadWithOptions performs option-driven config loading without mutating
// package-level state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := newViper()

	var candidates []string
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'plugkit config show' to see the default configuration").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		candidates = []string{opts.ConfigFilePath}
	} else {
		cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}
		name := ConfigFileName + "." + ConfigFileExt
		candidates = []string{filepath.Join(cfgDir, name), name}
	}

	resolvedPath := ""
	var selected map[string][]string
	for _, p := range candidates {
		if !fileExists(p) {
			continue
		}
		var err error
		if selected, err = loadCUEIntoViper(v, p); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(p).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
		resolvedPath = p
		break
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if selected == nil {
		selected = map[string][]string{}
	}
	cfg.SelectedOverlays = selected
	if valid, errs := cfg.IsValid(); !valid {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("List each search directory once, with a non-empty path").
			WithSuggestion("Write system_build_time as RFC 3339, e.g. 2026-01-02T15:04:05Z").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(errs[0]).
			BuildError()
	}
	return &cfg, resolvedPath, nil
}

// newViper returns a viper instance carrying the defaults and the
// PLUGKIT_* environment bindings. Every key needs a default for
// AutomaticEnv to reach it during Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("shared_cache_dir", d.SharedCacheDir)
	v.SetDefault("search_dirs", d.SearchDirs)
	v.SetDefault("import_from", d.ImportFrom)
	v.SetDefault("system_prefix", d.SystemPrefix)
	v.SetDefault("system_build_time", d.SystemBuildTime)
	v.SetDefault("abis", d.ABIs)
	v.SetDefault("in_archive_native", d.InArchiveNative)
	v.SetDefault("extract_prefixes", d.ExtractPrefixes)
	v.SetDefault("delay_start", d.DelayStart)
	v.SetDefault("templates", d.Templates)
	v.SetDefault("load_filter", d.LoadFilter)
	v.SetDefault("runtime", string(d.Runtime))
	v.SetDefault("host_package", d.HostPackage)
	v.SetDefault("locale", d.Locale)
	v.SetDefault("log_level", string(d.LogLevel))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}
	return ConfigDir()
}

// loadCUEIntoViper validates a CUE file against #Config and merges it into
// viper. Fields stay optional, so the value is decoded into a map rather
// than the struct. selected_overlays is keyed by package names, which viper
// would lowercase and split at the dots, so it is decoded on its own.
func loadCUEIntoViper(v *viper.Viper, path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	unified, err := cueutil.Unify(configSchema, data, "#Config",
		cueutil.WithFilename(path),
		cueutil.WithConcrete(false),
	)
	if err != nil {
		return nil, err
	}
	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return nil, cueutil.FormatError(err, path)
	}

	var selected map[string][]string
	if sv := unified.LookupPath(cue.ParsePath(selectedOverlaysKey)); sv.Exists() {
		if err := sv.Decode(&selected); err != nil {
			return nil, cueutil.FormatError(err, path)
		}
	}
	delete(configMap, selectedOverlaysKey)

	if err := v.MergeConfigMap(configMap); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return selected, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config file unless one exists. It
// returns the file path.
func CreateDefaultConfig() (string, error) {
	cfgDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(cfgPath) {
		return cfgPath, nil
	}
	return cfgPath, Save(DefaultConfig())
}

// Save writes cfg to the config file.
func Save(cfg *Config) error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(cfg)), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateCUE renders cfg as a config.cue document. Empty optional fields
// are left out.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// plugkit configuration file\n\n")

	writeString := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "%s: %q\n", key, value)
		}
	}
	writeList := func(key string, values []string) {
		if len(values) > 0 {
			writeListInto(&sb, key, values)
		}
	}

	writeString("cache_dir", cfg.CacheDir)
	writeString("shared_cache_dir", cfg.SharedCacheDir)
	if len(cfg.SearchDirs) > 0 {
		sb.WriteString("search_dirs: [\n")
		for _, d := range cfg.SearchDirs {
			if d.Shared {
				fmt.Fprintf(&sb, "\t{path: %q, shared: true},\n", d.Path)
			} else {
				fmt.Fprintf(&sb, "\t{path: %q},\n", d.Path)
			}
		}
		sb.WriteString("]\n")
	}
	writeList("import_from", cfg.ImportFrom)
	writeString("system_prefix", cfg.SystemPrefix)
	writeString("system_build_time", cfg.SystemBuildTime)
	writeList("abis", cfg.ABIs)
	fmt.Fprintf(&sb, "in_archive_native: %v\n", cfg.InArchiveNative)
	writeList("extract_prefixes", cfg.ExtractPrefixes)
	fmt.Fprintf(&sb, "delay_start: %v\n", cfg.DelayStart)
	writeList("templates", cfg.Templates)
	writeString("load_filter", cfg.LoadFilter)
	writeString("runtime", string(cfg.Runtime))
	writeString("host_package", cfg.HostPackage)
	if len(cfg.SelectedOverlays) > 0 {
		sb.WriteString("selected_overlays: {\n")
		for _, t := range slices.Sorted(maps.Keys(cfg.SelectedOverlays)) {
			sb.WriteString("\t")
			writeListInto(&sb, fmt.Sprintf("%q", t), cfg.SelectedOverlays[t])
		}
		sb.WriteString("}\n")
	}
	writeString("locale", cfg.Locale)
	writeString("log_level", string(cfg.LogLevel))

	return sb.String()
}

func writeListInto(sb *strings.Builder, key string, values []string) {
	quoted := make([]string, len(values))
	for i, s := range values {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	fmt.Fprintf(sb, "%s: [%s]\n", key, strings.Join(quoted, ", "))
}
