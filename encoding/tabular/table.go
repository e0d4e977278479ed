// Package tabular reads and writes the header-keyed, tab-separated tables that
// flow between pipeline stages.
//
// Column lookup is case-insensitive: "Depth", "depth" and "DEPTH" name the same
// column. Values are kept as strings; callers parse the columns they need with
// ParseFloat and friends so that a malformed cell in one column never prevents
// reading the others.
package tabular

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Table is an in-memory TSV table with a header row.
type Table struct {
	// Name identifies the table in error messages; usually the source path.
	Name   string
	Header []string
	Rows   [][]string

	index map[string]int // lower-cased header name -> column
}

// New creates an empty table with the given header.
func New(name string, header ...string) *Table {
	t := &Table{Name: name, Header: append([]string(nil), header...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		key := normalize(h)
		if _, ok := t.index[key]; !ok {
			t.index[key] = i
		}
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Append adds a row. Short rows are padded with empty cells; long rows are
// truncated to the header width.
func (t *Table) Append(row ...string) {
	r := make([]string, len(t.Header))
	copy(r, row)
	t.Rows = append(t.Rows, r)
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// Col returns the index of the named column, ignoring case and surrounding
// whitespace.
func (t *Table) Col(name string) (int, bool) {
	if t.index == nil {
		t.reindex()
	}
	i, ok := t.index[normalize(name)]
	return i, ok
}

// Cols resolves all the named columns, or returns a NotExist error naming the
// first missing one together with the closest existing column.
func (t *Table) Cols(names ...string) ([]int, error) {
	cols := make([]int, len(names))
	for i, name := range names {
		c, ok := t.Col(name)
		if !ok {
			return nil, t.missing(name)
		}
		cols[i] = c
	}
	return cols, nil
}

func (t *Table) missing(name string) error {
	msg := fmt.Sprintf("%s: column %q not found", t.Name, name)
	if s := t.Suggest(name); s != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", s)
	}
	return errors.E(errors.NotExist, msg)
}

// Suggest returns the header column closest to name by edit distance, or "" if
// none is close enough to be a plausible typo.
func (t *Table) Suggest(name string) string {
	want := normalize(name)
	best, bestDist := "", -1
	for _, h := range t.Header {
		d := matchr.Levenshtein(want, normalize(h))
		if bestDist < 0 || d < bestDist {
			best, bestDist = h, d
		}
	}
	if bestDist < 0 || bestDist > len(want)/2 {
		return ""
	}
	return best
}

// Value returns the cell of row at the given column, or "" when the column is
// out of range.
func Value(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// Parse reads a table from r. The first non-comment line is the header.
func Parse(r io.Reader, name string) (*Table, error) {
	tr := tsv.NewReader(bufio.NewReaderSize(r, 64<<10))
	tr.LazyQuotes = true
	tr.FieldsPerRecord = -1
	tr.Comment = '#'
	t := &Table{Name: name}
	for {
		row, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, err, name)
		}
		row = append([]string(nil), row...)
		if t.Header == nil {
			t.Header = row
			t.reindex()
			continue
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		t.Append(row...)
	}
	if t.Header == nil {
		return nil, errors.E(errors.Invalid, name+": missing header row")
	}
	return t, nil
}

// Read loads the table at path. Compressed inputs (.gz, .bz2, ...) are
// decompressed transparently.
func Read(ctx context.Context, path string) (t *Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	return Parse(r, path)
}

// ParseFloat parses a numeric cell. Empty cells and "NA"-style markers report
// ok=false; "NaN" parses to NaN with ok=true.
func ParseFloat(s string) (v float64, ok bool) {
	s = strings.TrimSpace(s)
	if Missing(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Missing reports whether s is one of the empty-cell markers ParseFloat
// treats as no value.
func Missing(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "na", "n/a", "#n/a", "<na>", "none", "null":
		return true
	}
	return false
}

// FormatFloat renders v in the shortest form that round-trips; NaN renders as
// "NaN" and infinities as "inf"/"-inf".
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// FormatBool renders a flag column.
func FormatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
