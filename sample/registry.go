package sample

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/encoding/tabular"
)

// Input is one source metadata table.
type Input struct {
	Source  string
	Table   *tabular.Table
	Adapter Adapter
}

// Registry is the canonical, immutable set of samples. Thread compatible.
type Registry struct {
	samples    []Sample
	byID       map[string]int
	rejections []audit.Rejection
}

// Build adapts every input, drops samples deeper than MaxDepth, and indexes
// the rest by ID. A sample ID that appears more than once across the inputs
// is an integrity error.
func Build(inputs []Input) (*Registry, error) {
	r := &Registry{byID: map[string]int{}}
	reject := rejecter(&r.rejections)
	for _, in := range inputs {
		adapter := in.Adapter
		if adapter == nil {
			adapter = AdapterFor(in.Source)
		}
		samples, err := adapter.Adapt(in.Table, in.Source, reject)
		if err != nil {
			return nil, err
		}
		kept := 0
		for _, s := range samples {
			if s.Depth > MaxDepth {
				reject(s.ID, ReasonTooDeep, fmt.Sprintf("%s: depth %v", in.Table.Name, s.Depth))
				continue
			}
			if _, ok := s.BinnedDepth(); !ok {
				log.Debug.Printf("registry: sample %s depth %v has no depth bucket", s.ID, s.Depth)
			}
			if err := r.add(s); err != nil {
				return nil, err
			}
			kept++
		}
		log.Printf("registry: %s: kept %d of %d rows", in.Source, kept, in.Table.Len())
	}
	return r, nil
}

func (r *Registry) add(s Sample) error {
	if i, ok := r.byID[s.ID]; ok {
		return errors.E(errors.Integrity, fmt.Sprintf("duplicate sample ID %q (sources %s and %s)",
			s.ID, r.samples[i].Source, s.Source))
	}
	r.byID[s.ID] = len(r.samples)
	r.samples = append(r.samples, s)
	return nil
}

// Load reads the metadata tables at paths and builds the registry.
func Load(ctx context.Context, paths []string) (*Registry, error) {
	inputs := make([]Input, 0, len(paths))
	for _, p := range paths {
		t, err := tabular.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, Input{Source: SourceName(p), Table: t})
	}
	return Build(inputs)
}

// Lookup returns the sample with the given ID.
func (r *Registry) Lookup(id string) (Sample, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Sample{}, false
	}
	return r.samples[i], true
}

// Samples returns all samples in input order. The caller must not modify the
// result.
func (r *Registry) Samples() []Sample { return r.samples }

// Len returns the number of samples.
func (r *Registry) Len() int { return len(r.samples) }

// Rejections returns the rows dropped while building the registry.
func (r *Registry) Rejections() []audit.Rejection { return r.rejections }

// Columns of the registry table.
var Columns = []string{"sample_id", "depth", "filter_size", "cell_state", "binned_depth", "source_dataset"}

// Table renders the registry.
func (r *Registry) Table() *tabular.Table {
	t := tabular.New("StandardizedSamples", Columns...)
	for _, s := range r.samples {
		t.Append(s.ID, tabular.FormatFloat(s.Depth), tabular.FormatFloat(s.FilterSize),
			s.CellState(), s.BinnedDepthString(), s.Source)
	}
	return t
}

// FromTable rebuilds a registry from a table produced by Table. The derived
// columns are recomputed, not read.
func FromTable(t *tabular.Table) (*Registry, error) {
	cols, err := t.Cols("sample_id", "depth", "filter_size", "source_dataset")
	if err != nil {
		return nil, err
	}
	r := &Registry{byID: map[string]int{}}
	for i, row := range t.Rows {
		depth, err1 := strconv.ParseFloat(tabular.Value(row, cols[1]), 64)
		filter, err2 := strconv.ParseFloat(tabular.Value(row, cols[2]), 64)
		if err1 != nil || err2 != nil || !finite(depth) || !finite(filter) || !(filter > 0) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: bad depth or filter size", t.Name, i+2))
		}
		s := Sample{ID: tabular.Value(row, cols[0]), Depth: depth, FilterSize: filter, Source: tabular.Value(row, cols[3])}
		if err := r.add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// WriteTable writes the registry table to path.
func (r *Registry) WriteTable(ctx context.Context, path string) (tabular.Written, error) {
	return tabular.Write(ctx, path, r.Table())
}

// Read loads a registry table written by WriteTable.
func Read(ctx context.Context, path string) (*Registry, error) {
	t, err := tabular.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	reg, err := FromTable(t)
	if err != nil {
		return nil, errors.E(err, path)
	}
	log.Printf("%s: loaded %d samples", path, reg.Len())
	return reg, nil
}
