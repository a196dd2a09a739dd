// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/pkg/module"
)

type (
	startInfo struct {
		moduleInfo `yaml:",inline"`
		// Order is the 1-based start position, 0 for modules that did not start.
		Order    int  `json:"order" yaml:"order"`
		Deferred bool `json:"deferred,omitempty" yaml:"deferred,omitempty"`
	}

	startReport struct {
		StartOrder []string    `json:"start_order" yaml:"start_order"`
		Modules    []startInfo `json:"modules" yaml:"modules"`
	}
)

func (r startReport) header() table.Row {
	return table.Row{"#", "PACKAGE", "KIND", "STATE", "ERROR"}
}

func (r startReport) rows() []table.Row {
	rows := make([]table.Row, 0, len(r.Modules))
	for _, m := range r.Modules {
		order := "-"
		if m.Order > 0 {
			order = strconv.Itoa(m.Order)
		}
		state := m.State.String()
		if m.Deferred {
			state += " (deferred)"
		}
		rows = append(rows, table.Row{
			order,
			PackageStyle.Render(m.Package),
			m.Kind,
			stateStyle(m.State).Render(state),
			m.Error,
		})
	}
	return rows
}

type startFlagValues struct {
	delay     bool
	templates []string
}

func newStartCommand(app *App, flags *rootFlagValues) *cobra.Command {
	sf := &startFlagValues{}
	cmd := &cobra.Command{
		Use:   "start [package...]",
		Short: "Check and start modules",
		Long: `Without arguments, load every imported module: modules matching the
templates and the load filter are checked and started in dependency order.
With package arguments only those modules (and what they need) are started.

With --delay, modules without host code, overlay role or the plugkit.nodelay
tag start in a second phase; they are reported as deferred. All started
modules are stopped again before the command exits. Exits with status 2
when a module fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openSession(cmd.Context(), flags)
			if err != nil {
				return app.reportFailure(err, flags.verbose)
			}
			defer s.close()

			if cmd.Flags().Changed("template") {
				s.cfg.Templates = sf.templates
			}
			delay := s.cfg.DelayStart || sf.delay

			var (
				errs     []error
				deferred map[module.PackageName]bool
			)
			if len(args) == 0 {
				var cont graph.Continuation
				cont, errs = s.load(delay, true)
				if cont != nil {
					deferred = checkedModules(s.graph)
					errs = append(errs, splitJoined(cont())...)
				}
			} else {
				targets, err := s.targets(args)
				if err != nil {
					return app.reportFailure(err, flags.verbose)
				}
				for _, m := range targets {
					if err := s.graph.Check(m.Package()); err != nil {
						errs = append(errs, err)
						continue
					}
					if err := s.graph.Start(m.Package(), false); err != nil {
						errs = append(errs, err)
					}
				}
			}

			if err := render(app.stdout, flags.output, s.startReport(deferred)); err != nil {
				return err
			}
			return app.moduleFailures(errs, flags.verbose)
		},
	}
	cmd.Flags().BoolVar(&sf.delay, "delay", false, "start deferrable modules in a second phase (delay_start)")
	cmd.Flags().StringArrayVar(&sf.templates, "template", nil, "only load modules offering this template tag (repeatable, overrides templates)")
	return cmd
}

func checkedModules(g *graph.Graph) map[module.PackageName]bool {
	out := make(map[module.PackageName]bool)
	for _, m := range g.Modules() {
		if m.State() == graph.StateChecked {
			out[m.Package()] = true
		}
	}
	return out
}

func (s *session) startReport(deferred map[module.PackageName]bool) startReport {
	order := s.graph.StartOrder()
	position := make(map[module.PackageName]int, len(order))
	r := startReport{StartOrder: make([]string, len(order))}
	for i, pkg := range order {
		position[pkg] = i + 1
		r.StartOrder[i] = pkg.String()
	}
	for _, m := range s.graph.Modules() {
		r.Modules = append(r.Modules, startInfo{
			moduleInfo: describe(m, s.cfg.HostPackage),
			Order:      position[m.Package()],
			Deferred:   deferred[m.Package()],
		})
	}
	return r
}
