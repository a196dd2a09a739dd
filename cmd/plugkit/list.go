// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/pkg/module"
)

const (
	kindHost     = "host"
	kindEmbedded = "embedded"
	kindOverlay  = "overlay"
	kindArchive  = "archive"
)

type (
	moduleInfo struct {
		Package  string      `json:"package" yaml:"package"`
		Name     string      `json:"name" yaml:"name"`
		Version  string      `json:"version,omitempty" yaml:"version,omitempty"`
		Kind     string      `json:"kind" yaml:"kind"`
		State    graph.State `json:"state" yaml:"state"`
		Shared   bool        `json:"shared,omitempty" yaml:"shared,omitempty"`
		Archive  string      `json:"archive,omitempty" yaml:"archive,omitempty"`
		Depends  []string    `json:"depends,omitempty" yaml:"depends,omitempty"`
		Overlays []string    `json:"overlays,omitempty" yaml:"overlays,omitempty"`
		Error    string      `json:"error,omitempty" yaml:"error,omitempty"`
	}

	moduleReport struct {
		Modules []moduleInfo `json:"modules" yaml:"modules"`
	}
)

func (r moduleReport) header() table.Row {
	return table.Row{"PACKAGE", "NAME", "VERSION", "KIND", "STATE", "DEPENDS", "ERROR"}
}

func (r moduleReport) rows() []table.Row {
	rows := make([]table.Row, 0, len(r.Modules))
	for _, m := range r.Modules {
		rows = append(rows, table.Row{
			PackageStyle.Render(m.Package),
			m.Name,
			m.Version,
			m.Kind,
			stateStyle(m.State).Render(m.State.String()),
			strings.Join(m.Depends, ", "),
			m.Error,
		})
	}
	return rows
}

func describe(m *graph.Module, hostPackage string) moduleInfo {
	d := m.Descriptor()
	info := moduleInfo{
		Package: m.Package().String(),
		Name:    m.Title(),
		Version: d.Version,
		State:   m.State(),
		Shared:  m.Shared(),
		Archive: m.ArchivePath(),
	}
	switch {
	case info.Package == hostPackage:
		info.Kind = kindHost
	case d.IsOverlay():
		info.Kind = kindOverlay
	case m.HostCode():
		info.Kind = kindEmbedded
	default:
		info.Kind = kindArchive
	}
	for _, dep := range d.Depends {
		info.Depends = append(info.Depends, dep.String())
	}
	for _, o := range d.Overlays {
		info.Overlays = append(info.Overlays, o.String())
	}
	if err := m.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

func (s *session) report(ms []*graph.Module) moduleReport {
	r := moduleReport{Modules: make([]moduleInfo, 0, len(ms))}
	for _, m := range ms {
		r.Modules = append(r.Modules, describe(m, s.cfg.HostPackage))
	}
	return r
}

func newListCommand(app *App, flags *rootFlagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the imported modules",
		Long: `List the modules imported from the search directories without
checking or starting them. Archives that fail to import are logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd.Context(), flags)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			defer s.close()
			return render(app.stdout, flags.output, s.report(s.graph.Modules()))
		},
	}
}

func newCheckCommand(app *App, flags *rootFlagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "check [package...]",
		Short: "Check module dependencies",
		Long: `Resolve the dependencies and overlay targets of the named modules, or
of every imported module. Exits with status 2 when a check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), flags)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			defer s.close()

			targets, err := s.targets(args)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			var errs []error
			for _, m := range targets {
				if err := s.graph.Check(m.Package()); err != nil {
					errs = append(errs, err)
				}
			}
			if err := render(app.stdout, flags.output, s.report(targets)); err != nil {
				return err
			}
			return app.moduleFailures(errs, flags.verbose)
		},
	}
}

// targets resolves package arguments, defaulting to every module.
func (s *session) targets(args []string) ([]*graph.Module, error) {
	if len(args) == 0 {
		return s.graph.Modules(), nil
	}
	out := make([]*graph.Module, 0, len(args))
	for _, pkg := range args {
		if err := module.PackageName(pkg).Validate(); err != nil {
			return nil, classify(err, "parse package", pkg)
		}
		m, err := s.module(pkg)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
