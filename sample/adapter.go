package sample

import (
	"fmt"
	"path"
	"strings"

	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/encoding/tabular"
)

// Adapter converts one source metadata table into samples. Rows that cannot
// be used are reported through reject and skipped; a table that lacks a
// required column is an error.
type Adapter interface {
	Adapt(t *tabular.Table, source string, reject func(sampleID, reason, detail string)) ([]Sample, error)
}

// Standard reads tables that carry the sample, depth and filter-size columns
// directly.
type Standard struct {
	SampleColumn     string
	DepthColumn      string
	FilterSizeColumn string
}

// DefaultStandard is the schema of the per-cruise *_samples.tsv tables.
var DefaultStandard = Standard{
	SampleColumn:     "sample",
	DepthColumn:      "depth",
	FilterSizeColumn: "filter size (um)",
}

// Rejection reasons.
const (
	ReasonMissingDepth      = "missing depth"
	ReasonMissingFilterSize = "missing filter size"
	ReasonMissingLatitude   = "missing latitude"
	ReasonOutsideLatitude   = "outside latitude band"
	ReasonTooDeep           = "deeper than max depth"
)

// Adapt implements Adapter.
func (a Standard) Adapt(t *tabular.Table, source string, reject func(string, string, string)) ([]Sample, error) {
	return a.adapt(t, source, reject, nil)
}

// adapt converts rows; keep, when non-nil, gets a chance to reject a row after
// the required columns have been checked.
func (a Standard) adapt(t *tabular.Table, source string, reject func(string, string, string),
	keep func(row []string, id string) bool) ([]Sample, error) {
	cols, err := t.Cols(a.SampleColumn, a.DepthColumn, a.FilterSizeColumn)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, t.Len())
	for _, row := range t.Rows {
		id := tabular.Value(row, cols[0])
		rawDepth := tabular.Value(row, cols[1])
		depth, ok := tabular.ParseFloat(rawDepth)
		if !ok || !finite(depth) {
			reject(id, ReasonMissingDepth, fmt.Sprintf("%s: depth %q", t.Name, rawDepth))
			continue
		}
		rawFilter := tabular.Value(row, cols[2])
		if rawFilter == "" {
			reject(id, ReasonMissingFilterSize, t.Name)
			continue
		}
		if keep != nil && !keep(row, id) {
			continue
		}
		filter, ok := tabular.ParseFloat(rawFilter)
		if !ok || !finite(filter) || !(filter > 0) {
			reject(id, ReasonMissingFilterSize, fmt.Sprintf("%s: filter size %q", t.Name, rawFilter))
			continue
		}
		samples = append(samples, Sample{ID: id, Depth: depth, FilterSize: filter, Source: source})
	}
	return samples, nil
}

// Tara reads the TARA Oceans metadata: the filter-size column is named
// "filter_size" and holds size fractions such as "0.22-3", and only samples
// from the latitude band (MinLatitude, MaxLatitude) are used. Latitude is a
// filter only; it is not carried into the registry.
type Tara struct {
	Standard
	LatitudeColumn string
	MinLatitude    float64
	MaxLatitude    float64
}

// DefaultTara is the schema of the TARA samples table.
var DefaultTara = Tara{
	Standard: Standard{
		SampleColumn:     "sample",
		DepthColumn:      "depth",
		FilterSizeColumn: "filter_size",
	},
	LatitudeColumn: "latitude",
	MinLatitude:    -40,
	MaxLatitude:    40,
}

// LowerBound reduces a size fraction such as "0.22-3" to the text before the
// first '-'. Values without a '-' are returned unchanged.
func LowerBound(fraction string) string {
	return strings.SplitN(fraction, "-", 2)[0]
}

// Adapt implements Adapter.
func (a Tara) Adapt(t *tabular.Table, source string, reject func(string, string, string)) ([]Sample, error) {
	latCol, ok := t.Col(a.LatitudeColumn)
	if !ok {
		_, err := t.Cols(a.LatitudeColumn)
		return nil, err
	}
	// Size fractions are reduced to their lower bound before parsing.
	reduced := tabular.New(t.Name, t.Header...)
	filterCol, hasFilter := t.Col(a.FilterSizeColumn)
	for _, row := range t.Rows {
		r := append([]string(nil), row...)
		if hasFilter && filterCol < len(r) {
			r[filterCol] = LowerBound(r[filterCol])
		}
		reduced.Rows = append(reduced.Rows, r)
	}
	return a.Standard.adapt(reduced, source, reject, func(row []string, id string) bool {
		lat, ok := tabular.ParseFloat(tabular.Value(row, latCol))
		if !ok {
			reject(id, ReasonMissingLatitude, t.Name)
			return false
		}
		if !(lat > a.MinLatitude && lat < a.MaxLatitude) {
			reject(id, ReasonOutsideLatitude, fmt.Sprintf("%s: latitude %v", t.Name, lat))
			return false
		}
		return true
	})
}

// SourceName derives the dataset tag from a metadata table path:
// "inputs/HOT346_samples.tsv" becomes "HOT346".
func SourceName(p string) string {
	base := path.Base(p)
	for _, suffix := range []string{".gz", ".tsv", "_samples"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base
}

// AdapterFor picks the adapter for a metadata table by its source name.
func AdapterFor(source string) Adapter {
	if strings.Contains(source, "TARA") {
		return DefaultTara
	}
	return DefaultStandard
}

func rejecter(rejs *[]audit.Rejection) func(string, string, string) {
	return func(id, reason, detail string) {
		*rejs = append(*rejs, audit.Rejection{Stage: audit.StageRegistry, SampleID: id, Reason: reason, Detail: detail})
	}
}
