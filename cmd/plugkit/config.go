// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/config"
)

// configView is the table form of a Config.
type configView struct {
	cfg *config.Config
}

func (v configView) header() table.Row { return table.Row{"KEY", "VALUE"} }

func (v configView) rows() []table.Row {
	c := v.cfg
	dirs := make([]string, len(c.SearchDirs))
	for i, d := range c.SearchDirs {
		dirs[i] = d.Path
		if d.Shared {
			dirs[i] += " (shared)"
		}
	}
	selected := make([]string, 0, len(c.SelectedOverlays))
	for _, target := range slices.Sorted(maps.Keys(c.SelectedOverlays)) {
		selected = append(selected, target+": "+strings.Join(c.SelectedOverlays[target], ", "))
	}
	row := func(k, v string) table.Row { return table.Row{PackageStyle.Render(k), v} }
	return []table.Row{
		row("cache_dir", c.CacheDir),
		row("shared_cache_dir", c.SharedCacheDir),
		row("search_dirs", strings.Join(dirs, "\n")),
		row("import_from", strings.Join(c.ImportFrom, "\n")),
		row("system_prefix", c.SystemPrefix),
		row("system_build_time", c.SystemBuildTime),
		row("abis", strings.Join(c.ABIs, ", ")),
		row("in_archive_native", strconv.FormatBool(c.InArchiveNative)),
		row("extract_prefixes", strings.Join(c.ExtractPrefixes, "\n")),
		row("delay_start", strconv.FormatBool(c.DelayStart)),
		row("templates", strings.Join(c.Templates, ", ")),
		row("load_filter", c.LoadFilter),
		row("runtime", c.Runtime.String()),
		row("host_package", c.HostPackage),
		row("selected_overlays", strings.Join(selected, "\n")),
		row("locale", c.Locale),
		row("log_level", c.LogLevel.String()),
	}
}

func newConfigCommand(app *App, flags *rootFlagValues) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage plugkit configuration",
		Long: `Manage plugkit configuration.

Configuration is read from --config, <user config>/plugkit/config.cue or
./config.cue, in that order, and PLUGKIT_* environment variables override
single values:
  - Linux: ~/.config/plugkit/config.cue
  - macOS: ~/Library/Application Support/plugkit/config.cue
  - Windows: %APPDATA%\plugkit\config.cue`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showConfig(cmd.Context(), app, flags)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadWithPath(cmd.Context(), config.LoadOptions{ConfigFilePath: flags.configPath})
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			if loaded.Path == "" {
				cfgDir, dirErr := config.ConfigDir()
				if dirErr != nil {
					return dirErr
				}
				app.printf("%s (not created, using defaults)\n", filepath.Join(cfgDir, config.ConfigFileName+"."+config.ConfigFileExt))
				return nil
			}
			app.printf("%s\n", loaded.Path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Config.Load(cmd.Context(), config.LoadOptions{ConfigFilePath: flags.configPath})
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			app.printf("%s", config.GenerateCUE(cfg))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := config.CreateDefaultConfig()
			if err != nil {
				return fmt.Errorf("failed to create config: %w", err)
			}
			app.printf("%s Configuration at %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App, flags *rootFlagValues) error {
	if err := validateFormat(flags.output); err != nil {
		return err
	}
	cfg, err := app.Config.Load(ctx, config.LoadOptions{ConfigFilePath: flags.configPath})
	if err != nil {
		return app.reportFailure(err, flags.verbose)
	}
	applyFlags(cfg, flags)

	if flags.output != formatTable {
		return render(app.stdout, flags.output, cfg)
	}
	app.printf("%s\n\n", TitleStyle.Render("Current Configuration"))
	return render(app.stdout, flags.output, configView{cfg: cfg})
}
