// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/pkg/idmap"
)

type (
	idPair struct {
		Target  string `json:"target" yaml:"target"`
		Overlay string `json:"overlay" yaml:"overlay"`
	}

	idmapReport struct {
		Path         string    `json:"path" yaml:"path"`
		TargetStamp  time.Time `json:"target_stamp" yaml:"target_stamp"`
		OverlayStamp time.Time `json:"overlay_stamp" yaml:"overlay_stamp"`
		Entries      []idPair  `json:"entries" yaml:"entries"`
	}
)

func (r idmapReport) header() table.Row {
	return table.Row{"TARGET ID", "OVERLAY ID"}
}

func (r idmapReport) rows() []table.Row {
	rows := make([]table.Row, 0, len(r.Entries))
	for _, e := range r.Entries {
		rows = append(rows, table.Row{e.Target, e.Overlay})
	}
	return rows
}

func newIdmapCommand(app *App, flags *rootFlagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "idmap <file>",
		Short: "Dump a persisted id translation table",
		Long: `Print the stamps and the target to overlay id pairs of an idmap file,
as written below <cache>/idmaps/<overlay>.idmap.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(flags.output); err != nil {
				return err
			}
			r, err := readIdmap(args[0])
			if err != nil {
				return app.reportFailure(classify(err, "read idmap", args[0]), flags.verbose)
			}
			if flags.output == formatTable {
				app.printf("%s %s\n%s %s\n",
					SubtitleStyle.Render("target stamp: "), r.TargetStamp.Format(time.RFC3339Nano),
					SubtitleStyle.Render("overlay stamp:"), r.OverlayStamp.Format(time.RFC3339Nano))
			}
			return render(app.stdout, flags.output, r)
		},
	}
}

func readIdmap(path string) (idmapReport, error) {
	t, h, err := idmap.ReadFile(path)
	if err != nil {
		return idmapReport{}, err
	}
	r := idmapReport{
		Path:         path,
		TargetStamp:  h.TargetStamp,
		OverlayStamp: h.OverlayStamp,
		Entries:      make([]idPair, 0, t.Len()),
	}
	for _, id := range t.IDs() {
		r.Entries = append(r.Entries, idPair{Target: id.String(), Overlay: t.Translate(id).String()})
	}
	return r, nil
}
