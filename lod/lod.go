// Package lod decides, per sample, whether the classifier output is
// trustworthy enough to use downstream.
//
// A sample passes when the target genus is abundant relative to its sibling
// genus and to all classified reads. The minimum-count condition is computed
// and reported but, by default, does not take part in the decision.
package lod

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
)

// Taxa names the columns of a classifier summary table.
type Taxa struct {
	SampleColumn      string `toml:"sample_column"`
	SummaryTypeColumn string `toml:"summary_type_column"`
	// ReadsType is the summary type of raw read count rows. Other rows hold
	// percentages and are not used for decisions.
	ReadsType string `toml:"reads_type"`

	Target       string `toml:"target"`
	Sibling      string `toml:"sibling"`
	Other        string `toml:"other"`
	Unclassified string `toml:"unclassified"`
}

// DefaultTaxa is the layout of the ProSynTax summary_read_count.tsv.
var DefaultTaxa = Taxa{
	SampleColumn:      "sample_name",
	SummaryTypeColumn: "summary_type",
	ReadsType:         "reads",
	Target:            "Prochlorococcus",
	Sibling:           "Synechococcus",
	Other:             "other_genus",
	Unclassified:      "unclassified",
}

// Observation is one row of a classifier summary table.
type Observation struct {
	SampleID    string
	SummaryType string

	Target       float64
	Sibling      float64
	Other        float64
	Unclassified float64
}

// Total returns the number of classified reads: target, sibling and other.
func (o Observation) Total() float64 { return o.Target + o.Sibling + o.Other }

// ReadSummary parses a classifier summary table. The unclassified column is
// optional. An empty count cell reads as NaN, which fails the gate.
func ReadSummary(t *tabular.Table, taxa Taxa) ([]Observation, error) {
	cols, err := t.Cols(taxa.SampleColumn, taxa.SummaryTypeColumn, taxa.Target, taxa.Sibling, taxa.Other)
	if err != nil {
		return nil, err
	}
	uCol, hasU := t.Col(taxa.Unclassified)
	obs := make([]Observation, 0, t.Len())
	for i, row := range t.Rows {
		o := Observation{
			SampleID:    tabular.Value(row, cols[0]),
			SummaryType: tabular.Value(row, cols[1]),
		}
		for j, dst := range []*float64{&o.Target, &o.Sibling, &o.Other} {
			raw := tabular.Value(row, cols[2+j])
			if tabular.Missing(raw) {
				log.Debug.Printf("%s:%d: %s has no %s count", t.Name, i+2, o.SampleID, t.Header[cols[2+j]])
				*dst = math.NaN()
				continue
			}
			v, ok := tabular.ParseFloat(raw)
			if !ok {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: bad %s count %q",
					t.Name, i+2, t.Header[cols[2+j]], tabular.Value(row, cols[2+j])))
			}
			*dst = v
		}
		if hasU {
			o.Unclassified, _ = tabular.ParseFloat(tabular.Value(row, uCol))
		}
		obs = append(obs, o)
	}
	return obs, nil
}

// Opts are the gate thresholds.
type Opts struct {
	// RatioThreshold is the exclusive lower bound on target/sibling.
	RatioThreshold float64 `toml:"ratio_threshold"`
	// AbundanceThreshold is the exclusive lower bound on target/total.
	AbundanceThreshold float64 `toml:"abundance_threshold"`
	// MinCountThreshold is the inclusive lower bound on the target count.
	MinCountThreshold float64 `toml:"min_count_threshold"`
	// RequireMinCount adds the count condition to the decision.
	RequireMinCount bool `toml:"require_min_count"`
}

// DefaultOpts keep the misclassification rate below 10%.
var DefaultOpts = Opts{
	RatioThreshold:     0.24,
	AbundanceThreshold: 0.0028,
	MinCountThreshold:  50000,
}

// Validate checks that opts are usable.
func (o Opts) Validate() error {
	if o.RatioThreshold < 0 || o.AbundanceThreshold < 0 || o.MinCountThreshold < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("LOD thresholds must not be negative: %+v", o))
	}
	return nil
}

// Decision is the gate outcome for one sample.
type Decision struct {
	Sample sample.Sample

	Total     float64
	Count     float64
	Ratio     float64 // NaN when the sibling count is 0
	Abundance float64 // NaN when the total is 0

	RatioOK     bool
	AbundanceOK bool
	CountOK     bool
	Passes      bool
}

// Failed lists the conditions that d did not meet.
func (d Decision) Failed() []string {
	var failed []string
	if !d.RatioOK {
		failed = append(failed, "ratio")
	}
	if !d.AbundanceOK {
		failed = append(failed, "abundance")
	}
	if !d.CountOK {
		failed = append(failed, "count")
	}
	return failed
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

// Decide computes the decision for one read-count observation. Comparisons
// against NaN are false, so undefined ratios fail their condition.
func Decide(o Observation, opts Opts) Decision {
	d := Decision{
		Sample:    sample.Sample{ID: o.SampleID},
		Total:     o.Total(),
		Count:     o.Target,
		Ratio:     ratio(o.Target, o.Sibling),
		Abundance: ratio(o.Target, o.Total()),
	}
	d.RatioOK = d.Ratio > opts.RatioThreshold
	d.AbundanceOK = d.Abundance > opts.AbundanceThreshold
	d.CountOK = d.Count >= opts.MinCountThreshold
	d.Passes = d.RatioOK && d.AbundanceOK
	if opts.RequireMinCount {
		d.Passes = d.Passes && d.CountOK
	}
	return d
}

// Rejection reasons.
const (
	ReasonNoMetadata = "no sample metadata"
	ReasonFailed     = "failed limit of detection"
	ReasonNotGated   = "not gated"
)

// Result is the outcome of Gate.
type Result struct {
	// Decisions has one entry per gated sample, in input order.
	Decisions []Decision
	// Passing lists the IDs of passing samples, in input order.
	Passing    []string
	Rejections []audit.Rejection

	passing map[string]bool
}

// Gate decides every read-count observation whose sample is registered.
// Observations of unregistered samples are not decided and are reported as
// rejections, as are failing samples. Two read-count rows for one sample are
// an integrity error.
func Gate(obs []Observation, reg *sample.Registry, taxa Taxa, opts Opts) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r := &Result{passing: map[string]bool{}}
	seen := map[string]bool{}
	for _, o := range obs {
		if o.SummaryType != taxa.ReadsType {
			continue
		}
		if seen[o.SampleID] {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("sample %q has more than one %s row", o.SampleID, taxa.ReadsType))
		}
		seen[o.SampleID] = true
		s, ok := reg.Lookup(o.SampleID)
		if !ok {
			r.reject(o.SampleID, ReasonNoMetadata, "")
			continue
		}
		d := Decide(o, opts)
		d.Sample = s
		r.Decisions = append(r.Decisions, d)
		if d.Passes {
			r.Passing = append(r.Passing, s.ID)
			r.passing[s.ID] = true
			continue
		}
		r.reject(s.ID, ReasonFailed, fmt.Sprintf("ratio %s, abundance %s, count %s; failed %s",
			tabular.FormatFloat(d.Ratio), tabular.FormatFloat(d.Abundance), tabular.FormatFloat(d.Count),
			strings.Join(d.Failed(), ",")))
	}
	log.Printf("lod: %d of %d samples pass (%d without metadata)",
		len(r.Passing), len(r.Decisions), len(seen)-len(r.Decisions))
	return r, nil
}

func (r *Result) reject(id, reason, detail string) {
	r.Rejections = append(r.Rejections, audit.Rejection{Stage: audit.StageLOD, SampleID: id, Reason: reason, Detail: detail})
}

// Passes reports whether sample id passed the gate.
func (r *Result) Passes(id string) bool { return r.passing[id] }

// MetadataColumns are appended by Filter to every filtered table.
var MetadataColumns = []string{"depth", "filter_size", "cell_state", "binned_depth", "source_dataset"}

// Filter returns the rows of t whose keyColumn names a passing sample, joined
// with the sample metadata. Metadata columns already present in t are left
// as they are. Rows of samples that were never gated are reported through
// the returned rejections, once per sample.
func (r *Result) Filter(t *tabular.Table, keyColumn string, reg *sample.Registry) (*tabular.Table, []audit.Rejection, error) {
	key, err := t.Cols(keyColumn)
	if err != nil {
		return nil, nil, err
	}
	var extra []string
	for _, c := range MetadataColumns {
		if _, ok := t.Col(c); !ok {
			extra = append(extra, c)
		}
	}
	out := tabular.New(t.Name, append(append([]string(nil), t.Header...), extra...)...)
	gated := map[string]bool{}
	for _, d := range r.Decisions {
		gated[d.Sample.ID] = true
	}
	var (
		rejs     []audit.Rejection
		reported = map[string]bool{}
	)
	for _, row := range t.Rows {
		id := tabular.Value(row, key[0])
		if !r.passing[id] {
			if !gated[id] && !reported[id] {
				reported[id] = true
				rejs = append(rejs, audit.Rejection{Stage: audit.StageLOD, SampleID: id, Reason: ReasonNotGated, Detail: t.Name})
			}
			continue
		}
		s, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		vals := metadata(s)
		full := make([]string, 0, len(out.Header))
		full = append(full, row...)
		for len(full) < len(t.Header) {
			full = append(full, "")
		}
		for _, c := range extra {
			full = append(full, vals[c])
		}
		out.Append(full...)
	}
	log.Printf("lod: %s: kept %d of %d rows", t.Name, out.Len(), t.Len())
	return out, rejs, nil
}

func metadata(s sample.Sample) map[string]string {
	return map[string]string{
		"depth":          tabular.FormatFloat(s.Depth),
		"filter_size":    tabular.FormatFloat(s.FilterSize),
		"cell_state":     s.CellState(),
		"binned_depth":   s.BinnedDepthString(),
		"source_dataset": s.Source,
	}
}

// DecisionColumns are the columns of the decision table.
var DecisionColumns = []string{
	"sample_id", "cell_state", "depth", "binned_depth",
	"total_classified", "target_count", "ratio", "abundance",
	"ratio_ok", "abundance_ok", "count_ok", "passes",
}

// Table renders every decision, passing or not.
func (r *Result) Table() *tabular.Table {
	t := tabular.New("LOD_table", DecisionColumns...)
	f, b := tabular.FormatFloat, tabular.FormatBool
	for _, d := range r.Decisions {
		t.Append(d.Sample.ID, d.Sample.CellState(), f(d.Sample.Depth), d.Sample.BinnedDepthString(),
			f(d.Total), f(d.Count), f(d.Ratio), f(d.Abundance),
			b(d.RatioOK), b(d.AbundanceOK), b(d.CountOK), b(d.Passes))
	}
	return t
}

// WriteDecisions writes the decision table to path.
func (r *Result) WriteDecisions(ctx context.Context, path string) (tabular.Written, error) {
	return tabular.Write(ctx, path, r.Table())
}
