package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Table renders rows under headers.
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
}

// AddRow adds a row of values. Should match header count.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

func (t *Table) Render() error { return t.out.Render(t) }
func (t *Table) Meta() Meta    { return t.meta }

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) RenderText(w io.Writer) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)

	header := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range t.rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// Data returns one object per row keyed by header.
func (t *Table) Data() any {
	rows := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				obj[toKey(h)] = row[i]
			}
		}
		rows = append(rows, obj)
	}
	return rows
}

// toKey converts a header to a structured-output key (lowercase,
// underscores).
func toKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
