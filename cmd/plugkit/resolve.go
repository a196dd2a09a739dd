// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/pkg/module"
)

var (
	errNotStarted       = errors.New("module not started")
	errUnknownResource  = errors.New("unknown resource")
	errUnresolvedResult = errors.New("resource has no value")
)

type (
	resolveReport struct {
		Package    string `json:"package" yaml:"package"`
		Resource   string `json:"resource" yaml:"resource"`
		ID         string `json:"id" yaml:"id"`
		From       string `json:"from" yaml:"from"`
		ResolvedID string `json:"resolved_id" yaml:"resolved_id"`
		Value      string `json:"value" yaml:"value"`
	}

	overlayInfo struct {
		Package  string      `json:"package" yaml:"package"`
		Title    string      `json:"title" yaml:"title"`
		State    graph.State `json:"state" yaml:"state"`
		Attached bool        `json:"attached" yaml:"attached"`
		Selected bool        `json:"selected" yaml:"selected"`
	}

	overlaysReport struct {
		Target   string        `json:"target" yaml:"target"`
		Overlays []overlayInfo `json:"overlays" yaml:"overlays"`
	}
)

func (r resolveReport) header() table.Row {
	return table.Row{"PACKAGE", "RESOURCE", "ID", "FROM", "RESOLVED ID", "VALUE"}
}

func (r resolveReport) rows() []table.Row {
	return []table.Row{{PackageStyle.Render(r.Package), r.Resource, r.ID, PackageStyle.Render(r.From), r.ResolvedID, r.Value}}
}

func (r overlaysReport) header() table.Row {
	return table.Row{"OVERLAY", "TITLE", "STATE", "ATTACHED", "SELECTED"}
}

func (r overlaysReport) rows() []table.Row {
	rows := make([]table.Row, 0, len(r.Overlays))
	for _, o := range r.Overlays {
		rows = append(rows, table.Row{
			PackageStyle.Render(o.Package),
			o.Title,
			stateStyle(o.State).Render(o.State.String()),
			strconv.FormatBool(o.Attached),
			strconv.FormatBool(o.Selected),
		})
	}
	return rows
}

type resolveFlagValues struct {
	overlays []string
	locale   string
}

func newResolveCommand(app *App, flags *rootFlagValues) *cobra.Command {
	rf := &resolveFlagValues{}
	cmd := &cobra.Command{
		Use:   "resolve <package> <resource>",
		Short: "Resolve a resource through the selected overlays",
		Long: `Load every module, select the given overlays for the package and print
which module provides the named resource and its value.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), flags)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			defer s.close()

			if rf.locale != "" {
				s.cfg.Locale = rf.locale
			}
			if _, errs := s.load(false, false); len(errs) > 0 {
				for _, e := range errs {
					s.logger.Warn("load", "err", e)
				}
			}

			m, err := s.module(args[0])
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			if cmd.Flags().Changed("overlay") {
				names := make([]module.PackageName, len(rf.overlays))
				for i, n := range rf.overlays {
					names[i] = module.PackageName(n)
				}
				if _, err := s.graph.SelectOverlays(m.Package(), names...); err != nil {
					return app.reportFailure(classify(err, "select overlays", args[0]), flags.verbose)
				}
			}

			r, err := resolve(m, args[1])
			if err != nil {
				return app.reportFailure(classify(err, "resolve resource", args[0]+" "+args[1]), flags.verbose)
			}
			return render(app.stdout, flags.output, r)
		},
	}
	cmd.Flags().StringArrayVar(&rf.overlays, "overlay", nil, "overlay package to select, highest priority first (repeatable; empty clears)")
	cmd.Flags().StringVar(&rf.locale, "locale", "", "resource locale (overrides locale)")
	return cmd
}

func resolve(m *graph.Module, name string) (resolveReport, error) {
	ctx := m.Context()
	if ctx == nil {
		return resolveReport{}, fmt.Errorf("%w: %s is %s", errNotStarted, m.Package(), m.State())
	}
	id, ok := m.Resources().Lookup(name)
	if !ok {
		return resolveReport{}, fmt.Errorf("%w: %s in %s", errUnknownResource, name, m.Package())
	}
	set, rid, ok := ctx.Resolve(id)
	if !ok {
		return resolveReport{}, fmt.Errorf("%w: %s", errUnresolvedResult, name)
	}
	value, _ := set.Value(rid)
	return resolveReport{
		Package:    m.Package().String(),
		Resource:   name,
		ID:         id.String(),
		From:       set.Package(),
		ResolvedID: rid.String(),
		Value:      value,
	}, nil
}

func newOverlaysCommand(app *App, flags *rootFlagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "overlays <package>",
		Short: "Show the overlays available to a package",
		Long: `Load every module and list the overlays reachable from the package
through its dependencies, with their titles and selection state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), flags)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			defer s.close()
			if _, errs := s.load(false, false); len(errs) > 0 {
				for _, e := range errs {
					s.logger.Warn("load", "err", e)
				}
			}

			m, err := s.module(args[0])
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			titles, err := s.graph.OverlayTitles(m.Package())
			if err != nil {
				return app.reportFailure(classify(err, "list overlays", args[0]), flags.verbose)
			}
			return render(app.stdout, flags.output, overlaysOf(s.graph, m, titles))
		},
	}
}

func overlaysOf(g *graph.Graph, m *graph.Module, titles map[module.PackageName]string) overlaysReport {
	var attached, selected []module.PackageName
	if mp := m.Mapper(); mp != nil {
		attached = mp.Attached()
		selected = mp.Selected()
	}
	r := overlaysReport{Target: m.Package().String(), Overlays: []overlayInfo{}}
	for _, pkg := range slices.Sorted(maps.Keys(titles)) {
		info := overlayInfo{
			Package:  pkg.String(),
			Title:    titles[pkg],
			Attached: slices.Contains(attached, pkg),
			Selected: slices.Contains(selected, pkg),
		}
		if o, ok := g.Module(pkg); ok {
			info.State = o.State()
		}
		r.Overlays = append(r.Overlays, info)
	}
	return r
}
