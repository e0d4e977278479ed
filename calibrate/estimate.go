package calibrate

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/encoding/tabular"
)

// Estimate is the efficiency used to rescale every sample of one filter size.
type Estimate struct {
	FilterSize float64
	// MeanEfficiency is NaN when SampleCount is 0.
	MeanEfficiency float64
	// SampleCount is the number of measurements averaged.
	SampleCount int
	// ExcludedCount is the number of measurements of this filter size left
	// out of the average.
	ExcludedCount int
}

// Estimates holds one Estimate per filter size, in increasing filter size.
type Estimates struct {
	buckets []Estimate
	index   map[float64]int
}

func newEstimates(buckets []Estimate) *Estimates {
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].FilterSize < buckets[j].FilterSize })
	e := &Estimates{buckets: buckets, index: make(map[float64]int, len(buckets))}
	for i, b := range buckets {
		e.index[b.FilterSize] = i
	}
	return e
}

// Average groups measurements by filter size and averages the efficiencies
// that were not excluded. A filter size whose measurements were all excluded
// still gets a bucket, with SampleCount 0. Measurements without a finite
// filter size belong to no bucket and are skipped.
func Average(ms []Measurement) *Estimates {
	type acc struct {
		sum          float64
		n, nExcluded int
	}
	var (
		order []float64
		accs  = map[float64]*acc{}
	)
	for _, m := range ms {
		if math.IsNaN(m.FilterSize) || math.IsInf(m.FilterSize, 0) {
			log.Error.Printf("calibrate: %s: filter size %s, not averaged", m.SampleID, tabular.FormatFloat(m.FilterSize))
			continue
		}
		a, ok := accs[m.FilterSize]
		if !ok {
			a = &acc{}
			accs[m.FilterSize] = a
			order = append(order, m.FilterSize)
		}
		if m.Excluded {
			a.nExcluded++
			continue
		}
		a.sum += m.Efficiency
		a.n++
	}
	buckets := make([]Estimate, 0, len(order))
	for _, fs := range order {
		a := accs[fs]
		mean := math.NaN()
		if a.n > 0 {
			mean = a.sum / float64(a.n)
		}
		buckets = append(buckets, Estimate{FilterSize: fs, MeanEfficiency: mean, SampleCount: a.n, ExcludedCount: a.nExcluded})
	}
	return newEstimates(buckets)
}

// Lookup returns the estimate for filterSize. ok is false when no sample of
// that filter size was calibrated. A bucket that exists but has no
// contributing samples cannot yield an efficiency and is reported as a
// precondition error.
func (e *Estimates) Lookup(filterSize float64) (Estimate, bool, error) {
	i, ok := e.index[filterSize]
	if !ok {
		return Estimate{}, false, nil
	}
	b := e.buckets[i]
	if b.SampleCount == 0 {
		return b, true, errors.E(errors.Precondition,
			fmt.Sprintf("no usable efficiency for filter size %s: all %d measurements excluded",
				tabular.FormatFloat(filterSize), b.ExcludedCount))
	}
	return b, true, nil
}

// All returns every bucket in increasing filter size. The caller must not
// modify the result.
func (e *Estimates) All() []Estimate { return e.buckets }

// EstimateColumns are the columns of the filter-size averaged table.
var EstimateColumns = []string{"filter_size", "mean_efficiency", "sample_count", "excluded_count"}

// Table renders the estimates.
func (e *Estimates) Table() *tabular.Table {
	t := tabular.New("FilterSizeAveragedStandard", EstimateColumns...)
	for _, b := range e.buckets {
		t.Append(tabular.FormatFloat(b.FilterSize), tabular.FormatFloat(b.MeanEfficiency),
			strconv.Itoa(b.SampleCount), strconv.Itoa(b.ExcludedCount))
	}
	return t
}

// EstimatesFromTable reads a table produced by Estimates.Table. The count
// columns are optional; a missing sample_count is taken from whether
// mean_efficiency is defined.
func EstimatesFromTable(t *tabular.Table) (*Estimates, error) {
	cols, err := t.Cols("filter_size", "mean_efficiency")
	if err != nil {
		return nil, err
	}
	nCol, hasN := t.Col("sample_count")
	xCol, hasX := t.Col("excluded_count")
	buckets := make([]Estimate, 0, t.Len())
	seen := map[float64]bool{}
	for i, row := range t.Rows {
		where := fmt.Sprintf("%s:%d", t.Name, i+2)
		fs, err := strconv.ParseFloat(tabular.Value(row, cols[0]), 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, where)
		}
		if math.IsNaN(fs) || math.IsInf(fs, 0) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: filter size %s is not finite", where, tabular.FormatFloat(fs)))
		}
		if seen[fs] {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: filter size %s listed twice", where, tabular.FormatFloat(fs)))
		}
		seen[fs] = true
		b := Estimate{FilterSize: fs, MeanEfficiency: math.NaN()}
		if v, ok := tabular.ParseFloat(tabular.Value(row, cols[1])); ok {
			b.MeanEfficiency = v
		}
		if hasN {
			if b.SampleCount, err = strconv.Atoi(tabular.Value(row, nCol)); err != nil {
				return nil, errors.E(errors.Invalid, err, where)
			}
		} else if !math.IsNaN(b.MeanEfficiency) {
			b.SampleCount = 1
		}
		if hasX {
			if b.ExcludedCount, err = strconv.Atoi(tabular.Value(row, xCol)); err != nil {
				return nil, errors.E(errors.Invalid, err, where)
			}
		}
		buckets = append(buckets, b)
	}
	return newEstimates(buckets), nil
}
