// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the plugkit command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// rootFlagValues holds the persistent flags shared by every command.
type rootFlagValues struct {
	configPath string
	verbose    bool
	output     string
	cacheDir   string
	searchDirs []string
}

// NewRootCommand builds the command tree.
func NewRootCommand(app *App) *cobra.Command {
	flags := &rootFlagValues{}
	root := &cobra.Command{
		Use:   "plugkit",
		Short: "Load, check and start plugin modules",
		Long: TitleStyle.Render("plugkit") + SubtitleStyle.Render(" - a dynamic module loader") + `

plugkit imports module archives (*.plugin) from its search directories,
checks their dependencies, starts them in dependency order and remaps
resources through the selected overlays.

` + SubtitleStyle.Render("Examples:") + `
  plugkit list                       List imported modules
  plugkit start                      Load every module
  plugkit resolve com.example.app string/title --overlay com.example.skin
  plugkit idmap cache/com.example.app/idmaps/com.example.skin.idmap
  plugkit config show                Show current configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default is <user config>/plugkit/config.cue)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVarP(&flags.output, "output", "o", formatTable, "output format: table, json or yaml")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "private cache root (overrides cache_dir)")
	pf.StringArrayVar(&flags.searchDirs, "search-dir", nil, "additional private search directory, scanned first (repeatable)")

	root.AddCommand(
		newListCommand(app, flags),
		newCheckCommand(app, flags),
		newStartCommand(app, flags),
		newResolveCommand(app, flags),
		newOverlaysCommand(app, flags),
		newStyleCommand(app, flags),
		newIdmapCommand(app, flags),
		newWatchCommand(app, flags),
		newConfigCommand(app, flags),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(errorHandler),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// errorHandler prints errors through fang unless the command already
// reported them.
func errorHandler(w io.Writer, styles fang.Styles, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && (exitErr.Reported || exitErr.Err == nil) {
		return
	}
	fang.DefaultErrorHandler(w, styles, err)
}
