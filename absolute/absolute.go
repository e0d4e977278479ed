// Package absolute rescales relative genome equivalents into absolute genome
// equivalents using the spike-in efficiency of each sample's filter size, and
// rolls subclades up into HL, LL and unclassified clades.
package absolute

import (
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/calibrate"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
)

// Clade classifications.
const (
	HL           = "HL"
	LL           = "LL"
	Unclassified = "unclassified"
)

// Opts controls normalization.
type Opts struct {
	SampleColumn string `toml:"sample_column"`
	GenusColumn  string `toml:"genus_column"`
	CladeColumn  string `toml:"clade_column"`
	ValueColumn  string `toml:"value_column"`

	// TargetGenus is the only genus rolled up into clades.
	TargetGenus string `toml:"target_genus"`
	// AmbiguousMarkers relabel any subclade containing one of them as
	// unclassified.
	AmbiguousMarkers []string `toml:"ambiguous_markers"`
	// ExcludeSamples skips samples whose ID contains one of them. Public
	// datasets carry no spike-in and cannot be rescaled.
	ExcludeSamples []string `toml:"exclude_samples"`
}

// DefaultOpts matches the ProSynTax normalized_counts.tsv.
var DefaultOpts = Opts{
	SampleColumn:     "sample_name",
	GenusColumn:      "genus",
	CladeColumn:      "clade",
	ValueColumn:      "genome_equivalents",
	TargetGenus:      "Prochlorococcus",
	AmbiguousMarkers: []string{"AMZ"},
	ExcludeSamples:   []string{"ERR", "SRR"},
}

// Rejection reasons.
const (
	ReasonExcludedSample = "excluded sample"
	ReasonNotRegistered  = "not in sample registry"
	ReasonNoEfficiency   = "no efficiency for filter size"
)

// Relative is one relative genome-equivalent count.
type Relative struct {
	SampleID string
	Genus    string
	Subclade string
	Value    float64
}

// ReadRelative parses a genome-equivalent table. Rows without a value are an
// error.
func ReadRelative(t *tabular.Table, opts Opts) ([]Relative, error) {
	cols, err := t.Cols(opts.SampleColumn, opts.GenusColumn, opts.CladeColumn, opts.ValueColumn)
	if err != nil {
		return nil, err
	}
	out := make([]Relative, 0, t.Len())
	for i, row := range t.Rows {
		v, ok := tabular.ParseFloat(tabular.Value(row, cols[3]))
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: bad %s %q", t.Name, i+2, opts.ValueColumn, tabular.Value(row, cols[3])))
		}
		out = append(out, Relative{
			SampleID: tabular.Value(row, cols[0]),
			Genus:    tabular.Value(row, cols[1]),
			Subclade: tabular.Value(row, cols[2]),
			Value:    v,
		})
	}
	return out, nil
}

// Classify returns the clade of a subclade label. Labels containing an
// ambiguous marker are unclassified; otherwise "HL" anywhere in the label
// wins over "LL".
func Classify(subclade string, ambiguousMarkers []string) string {
	for _, m := range ambiguousMarkers {
		if m != "" && strings.Contains(subclade, m) {
			return Unclassified
		}
	}
	switch {
	case strings.Contains(subclade, HL):
		return HL
	case strings.Contains(subclade, LL):
		return LL
	}
	return Unclassified
}

// Record is the absolute genome-equivalent count of one subclade in one
// sample.
type Record struct {
	Sample         sample.Sample
	Genus          string
	Subclade       string
	Classification string
	Relative       float64
	Efficiency     float64
	Absolute       float64
}

// Normalize divides every relative count by the mean efficiency of its
// sample's filter size. Counts of excluded or unregistered samples and of
// filter sizes without an estimate are dropped and reported. A filter size
// whose estimate has no contributing samples is an error.
func Normalize(rel []Relative, reg *sample.Registry, est *calibrate.Estimates, opts Opts) ([]Record, []audit.Rejection, error) {
	var (
		out      []Record
		rejs     []audit.Rejection
		reported = map[string]bool{}
	)
	reject := func(id, reason, detail string) {
		if reported[id] {
			return
		}
		reported[id] = true
		rejs = append(rejs, audit.Rejection{Stage: audit.StageAbsolute, SampleID: id, Reason: reason, Detail: detail})
	}
	for _, r := range rel {
		if m := excludedBy(r.SampleID, opts.ExcludeSamples); m != "" {
			reject(r.SampleID, ReasonExcludedSample, "contains "+m)
			continue
		}
		s, ok := reg.Lookup(r.SampleID)
		if !ok {
			reject(r.SampleID, ReasonNotRegistered, "")
			continue
		}
		e, ok, err := est.Lookup(s.FilterSize)
		if err != nil {
			return nil, nil, errors.E(err, "sample", s.ID)
		}
		if !ok {
			reject(s.ID, ReasonNoEfficiency, "filter size "+tabular.FormatFloat(s.FilterSize))
			continue
		}
		out = append(out, Record{
			Sample:         s,
			Genus:          r.Genus,
			Subclade:       r.Subclade,
			Classification: Classify(r.Subclade, opts.AmbiguousMarkers),
			Relative:       r.Value,
			Efficiency:     e.MeanEfficiency,
			Absolute:       r.Value / e.MeanEfficiency,
		})
	}
	log.Printf("absolute: normalized %d of %d counts, %d samples dropped", len(out), len(rel), len(rejs))
	return out, rejs, nil
}

func excludedBy(id string, markers []string) string {
	for _, m := range markers {
		if m != "" && strings.Contains(id, m) {
			return m
		}
	}
	return ""
}

// CladeRecord is the absolute genome-equivalent count of one clade in one
// sample.
type CladeRecord struct {
	Sample         sample.Sample
	Classification string
	Absolute       float64
}

// Log10Absolute returns log10 of the absolute count; -Inf for 0.
func (c CladeRecord) Log10Absolute() float64 { return math.Log10(c.Absolute) }

type cladeKey struct{ sample, class string }

// Clades sums the absolute counts of the target genus per sample and
// classification, in first-seen order.
func Clades(records []Record, targetGenus string) []CladeRecord {
	var out []CladeRecord
	index := map[cladeKey]int{}
	for _, r := range records {
		if r.Genus != targetGenus {
			continue
		}
		k := cladeKey{r.Sample.ID, r.Classification}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, CladeRecord{Sample: r.Sample, Classification: r.Classification})
		}
		out[i].Absolute += r.Absolute
	}
	return out
}

// CladeShare is one clade's percentage of a sample's target-genus relative
// genome equivalents.
type CladeShare struct {
	Sample           sample.Sample
	Classification   string
	GenomeEquivalent float64
	// Percent is NaN when the sample total is 0.
	Percent float64
}

// CladePercentages sums relative counts of the target genus per sample and
// classification and expresses each as a percentage of the sample total.
// Counts of unregistered samples are dropped and reported.
func CladePercentages(rel []Relative, reg *sample.Registry, opts Opts) ([]CladeShare, []audit.Rejection) {
	var (
		out      []CladeShare
		rejs     []audit.Rejection
		index    = map[cladeKey]int{}
		totals   = map[string]float64{}
		reported = map[string]bool{}
	)
	for _, r := range rel {
		if r.Genus != opts.TargetGenus {
			continue
		}
		s, ok := reg.Lookup(r.SampleID)
		if !ok {
			if !reported[r.SampleID] {
				reported[r.SampleID] = true
				rejs = append(rejs, audit.Rejection{Stage: audit.StageAbsolute, SampleID: r.SampleID, Reason: ReasonNotRegistered})
			}
			continue
		}
		k := cladeKey{s.ID, Classify(r.Subclade, opts.AmbiguousMarkers)}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, CladeShare{Sample: s, Classification: k.class})
		}
		out[i].GenomeEquivalent += r.Value
		totals[s.ID] += r.Value
	}
	for i := range out {
		total := totals[out[i].Sample.ID]
		if total == 0 {
			out[i].Percent = math.NaN()
			continue
		}
		out[i].Percent = 100 * out[i].GenomeEquivalent / total
	}
	return out, rejs
}
