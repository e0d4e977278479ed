package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/pipeline"
)

// renderTable renders t for a terminal. Columns listed in numeric are right
// aligned.
func renderTable(t *tabular.Table, numeric map[string]bool) string {
	if len(t.Header) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(t.Name)

	header := make(table.Row, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range t.Rows {
		r := make(table.Row, len(t.Header))
		for i := range r {
			r[i] = tabular.Value(row, i)
		}
		tw.AppendRow(r)
	}
	configs := make([]table.ColumnConfig, 0, len(t.Header))
	for i, h := range t.Header {
		align := text.AlignLeft
		if numeric[h] {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

var numericColumns = map[string]bool{"mean": true, "std": true, "sem": true, "sample_size": true, "rows": true}

// render prints every summary table of report, then the manifest of tables
// written.
func render(w io.Writer, report *pipeline.Report) {
	for _, o := range report.Outputs {
		if strings.HasPrefix(o.Name, "summary_") {
			fmt.Fprintln(w, renderTable(o.Table, numericColumns))
		}
	}
	written := tabular.New("written", "path", "rows")
	for _, o := range report.Outputs {
		written.Append(o.Written.Path, fmt.Sprint(o.Written.Rows))
	}
	fmt.Fprintln(w, renderTable(written, numericColumns))
	fmt.Fprintf(w, "%d rejections\n", len(report.Rejections))
}
