// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/internal/watch"
	"github.com/plugkit/plugkit/pkg/module"
)

func newWatchCommand(app *App, flags *rootFlagValues) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load modules and update them when their archives change",
		Long: `Load every module, then watch the search directories. A changed archive
is stopped, imported again and restarted with Update; a new archive is
imported and started. Removed archives are stopped. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd.Context(), flags)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			defer s.close()

			_, errs := s.load(s.cfg.DelayStart, false)
			for _, e := range errs {
				s.logger.Warn("load", "err", e)
			}

			dirs := make([]string, len(s.cfg.SearchDirs))
			for i, d := range s.cfg.SearchDirs {
				dirs[i] = d.Path
			}
			w, err := watch.New(watch.Config{
				Dirs:     dirs,
				Debounce: debounce,
				Logger:   s.logger.WithPrefix("watch"),
				OnChange: func(_ context.Context, archives []string) error {
					for _, path := range archives {
						s.update(path)
					}
					return nil
				},
			})
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			app.printf("%s %d module(s) started; watching %d director(ies), Ctrl+C to stop\n",
				PackageStyle.Render("→"), len(s.graph.StartOrder()), len(dirs))
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before reacting to changes (default 500ms)")
	return cmd
}

// update reloads the module of the archive at path.
func (s *session) update(path string) {
	var prev *graph.Module
	for _, m := range s.graph.Modules() {
		if m.ArchivePath() == path {
			prev = m
			break
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if prev != nil {
			s.logger.Info("archive removed", "package", prev.Package())
			if err := s.graph.Stop(prev.Package()); err != nil {
				s.logger.Warn("stop", "package", prev.Package(), "err", err)
			}
			s.graph.Clean(false)
		}
		return
	}

	var old module.PackageName
	if prev != nil {
		old = prev.Package()
		if err := s.graph.Stop(old); err != nil {
			s.logger.Warn("stop", "package", old, "err", err)
		}
	}
	m, err := s.graph.Update(old, path)
	if err != nil {
		s.logger.Error("update", "archive", path, "err", err)
		return
	}
	s.logger.Info("module updated", "package", m.Package(), "state", m.State())
}
