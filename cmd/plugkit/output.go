// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// ErrUnknownFormat is returned for unsupported --output values.
var ErrUnknownFormat = errors.New("unknown output format")

// tabular is a report that can render itself as table rows.
type tabular interface {
	header() table.Row
	rows() []table.Row
}

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("%w %q (want table, json or yaml)", ErrUnknownFormat, format)
	}
}

// render writes data in the requested format. Table output needs data to
// implement tabular; json and yaml marshal it as is.
func render(w io.Writer, format string, data any) error {
	switch format {
	case formatJSON:
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format as JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	case formatYAML:
		out, err := yaml.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to format as YAML: %w", err)
		}
		_, err = w.Write(out)
		return err
	case formatTable:
		tab, ok := data.(tabular)
		if !ok {
			return fmt.Errorf("%T has no table form", data)
		}
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(tab.header())
		t.AppendRows(tab.rows())
		t.Render()
		return nil
	default:
		return validateFormat(format)
	}
}
