// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/graph"
	"github.com/plugkit/plugkit/internal/styler"
	"github.com/plugkit/plugkit/pkg/module"
	"github.com/plugkit/plugkit/pkg/resource"
)

var errNoAttrs = errors.New("at least one --attr is required")

const (
	kindBlock styler.Kind = "block"
	kindLabel styler.Kind = "label"
)

type (
	// label is a terminal text target styled from module resources.
	label struct {
		text       string
		foreground string
		background string
		bold       bool
	}

	styleRender struct {
		Selected   []string `json:"selected" yaml:"selected"`
		Text       string   `json:"text" yaml:"text"`
		Foreground string   `json:"foreground,omitempty" yaml:"foreground,omitempty"`
		Background string   `json:"background,omitempty" yaml:"background,omitempty"`
		Bold       bool     `json:"bold,omitempty" yaml:"bold,omitempty"`
		Rendered   string   `json:"rendered" yaml:"rendered"`
	}

	styleReport struct {
		Package string        `json:"package" yaml:"package"`
		Renders []styleRender `json:"renders" yaml:"renders"`
	}

	// hostResolver resolves ids through a started module's host context.
	hostResolver struct {
		ctx *graph.Context
	}

	styleFlagValues struct {
		attrs    map[string]string
		overlays []string
	}
)

func (*label) Kind() styler.Kind { return kindLabel }

func (l *label) render() string {
	st := lipgloss.NewStyle().Bold(l.bold)
	if l.foreground != "" {
		st = st.Foreground(lipgloss.Color(l.foreground))
	}
	if l.background != "" {
		st = st.Background(lipgloss.Color(l.background))
	}
	return st.Render(l.text)
}

func (l *label) snapshot(selected []module.PackageName) styleRender {
	r := styleRender{
		Selected:   make([]string, len(selected)),
		Text:       l.text,
		Foreground: l.foreground,
		Background: l.background,
		Bold:       l.bold,
		Rendered:   l.render(),
	}
	for i, p := range selected {
		r.Selected[i] = p.String()
	}
	return r
}

func (r hostResolver) Map(id resource.ID, _ bool) (resource.Set, resource.ID, bool) {
	return r.ctx.Resolve(id)
}

func (r styleReport) header() table.Row {
	return table.Row{"SELECTED", "TEXT", "FOREGROUND", "BACKGROUND", "RENDERED"}
}

func (r styleReport) rows() []table.Row {
	rows := make([]table.Row, 0, len(r.Renders))
	for _, s := range r.Renders {
		sel := strings.Join(s.Selected, ", ")
		if sel == "" {
			sel = "-"
		}
		rows = append(rows, table.Row{sel, s.Text, s.Foreground, s.Background, s.Rendered})
	}
	return rows
}

// labelTable dispatches the label attributes. foreground, background and
// bold belong to every block; text only to labels.
func labelTable() (*styler.Table, error) {
	tbl := styler.NewTable()
	if err := tbl.Define(kindBlock, ""); err != nil {
		return nil, err
	}
	if err := tbl.Define(kindLabel, kindBlock); err != nil {
		return nil, err
	}
	handlers := []struct {
		kind styler.Kind
		attr string
		fn   styler.Applier
	}{
		{kindBlock, "foreground", func(t styler.Target, v string) error { t.(*label).foreground = v; return nil }},
		{kindBlock, "background", func(t styler.Target, v string) error { t.(*label).background = v; return nil }},
		{kindBlock, "bold", func(t styler.Target, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("bold: %w", err)
			}
			t.(*label).bold = b
			return nil
		}},
		{kindLabel, "text", func(t styler.Target, v string) error { t.(*label).text = v; return nil }},
	}
	for _, h := range handlers {
		if err := tbl.Handle(h.kind, h.attr, h.fn); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func newStyleCommand(app *App, flags *rootFlagValues) *cobra.Command {
	sf := &styleFlagValues{}
	cmd := &cobra.Command{
		Use:   "style <package>",
		Short: "Render a label styled from module resources",
		Long: `Load every module and render a label whose attributes (text, foreground,
background, bold) name resources of the package. With --overlay the label is
rendered again after the selection changes.`,
		Example: `  plugkit style com.example.theme --attr text=label/title --attr foreground=color/accent
  plugkit style com.example.theme --attr text=label/title --overlay com.example.dark`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.attrs) == 0 {
				return errNoAttrs
			}
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
			r, err := styleModule(s, m, sf, cmd.Flags().Changed("overlay"))
			if err != nil {
				return app.reportFailure(classify(err, "style", args[0]), flags.verbose)
			}
			return render(app.stdout, flags.output, r)
		},
	}
	cmd.Flags().StringToStringVar(&sf.attrs, "attr", nil, "attribute=resource pair (repeatable)")
	cmd.Flags().StringArrayVar(&sf.overlays, "overlay", nil, "overlay package to select before the second render (repeatable; empty clears)")
	return cmd
}

func styleModule(s *session, m *graph.Module, sf *styleFlagValues, reselect bool) (styleReport, error) {
	ctx := m.Context()
	if ctx == nil {
		return styleReport{}, fmt.Errorf("%w: %s is %s", errNotStarted, m.Package(), m.State())
	}
	ids := make(map[string]resource.ID, len(sf.attrs))
	for _, attr := range slices.Sorted(maps.Keys(sf.attrs)) {
		name := sf.attrs[attr]
		id, ok := m.Resources().Lookup(name)
		if !ok {
			return styleReport{}, fmt.Errorf("%w: %s in %s", errUnknownResource, name, m.Package())
		}
		ids[attr] = id
	}

	tbl, err := labelTable()
	if err != nil {
		return styleReport{}, err
	}
	tracker := styler.NewTracker(tbl, hostResolver{ctx: ctx}, styler.WithLogger(s.logger))
	lbl := &label{}
	h, err := tracker.Track(lbl, ids)
	defer tracker.Untrack(h)
	if err != nil {
		return styleReport{}, err
	}

	selected := func() []module.PackageName {
		if mp := m.Mapper(); mp != nil {
			return mp.Selected()
		}
		return nil
	}
	r := styleReport{Package: m.Package().String(), Renders: []styleRender{lbl.snapshot(selected())}}
	if !reselect {
		return r, nil
	}

	if mp := m.Mapper(); mp != nil {
		unbind := tracker.Bind(mp)
		defer unbind()
	}
	names := make([]module.PackageName, len(sf.overlays))
	for i, n := range sf.overlays {
		names[i] = module.PackageName(n)
	}
	if _, err := s.graph.SelectOverlays(m.Package(), names...); err != nil {
		return styleReport{}, err
	}
	r.Renders = append(r.Renders, lbl.snapshot(selected()))
	return r, nil
}
