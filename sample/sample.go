// Package sample builds the canonical sample registry from heterogeneous
// per-cruise metadata tables.
//
// Each source table goes through an Adapter, the only place where
// source-specific quirks (column names, range-valued filter sizes, latitude
// restrictions) are handled. The result is one Sample per sample ID with a
// depth and a filter size; cell state and depth bucket are derived from those
// on demand and never stored.
package sample

import (
	"strconv"
)

const (
	// CellStateThreshold is the filter pore size (um) at and above which the
	// captured cells are considered particle-bound.
	CellStateThreshold = 5.0
	// MaxDepth is the deepest sample (m) kept in the registry.
	MaxDepth = 1000.0

	ParticleBound = "Particle-bound"
	FreeLiving    = "Free-living"
)

// Sample is one environmental sample.
type Sample struct {
	ID         string
	Depth      float64 // m
	FilterSize float64 // um
	// Source is the dataset the sample was read from, e.g. "HOT346".
	Source string
}

// CellState returns the cell state implied by the sample's filter size.
func (s Sample) CellState() string { return CellState(s.FilterSize) }

// BinnedDepth returns the depth bucket of the sample; see Bin.
func (s Sample) BinnedDepth() (int, bool) { return Bin(s.Depth) }

// BinnedDepthString renders the depth bucket, or "" for unbinned depths.
func (s Sample) BinnedDepthString() string {
	b, ok := s.BinnedDepth()
	if !ok {
		return ""
	}
	return strconv.Itoa(b)
}

// CellState returns ParticleBound when filterSize >= CellStateThreshold, and
// FreeLiving otherwise.
func CellState(filterSize float64) string {
	if filterSize >= CellStateThreshold {
		return ParticleBound
	}
	return FreeLiving
}

// depthBins partitions the depth axis into right-closed intervals
// (previous upper, upper], starting at 0.
var depthBins = []struct {
	upper float64
	label int
}{
	{5, 5},
	{66, 45},
	{90, 75},
	{160, 150},
	{300, 300},
	{2000, 1000},
	{5000, 4000},
}

// Bin returns the label of the depth bucket containing depth. Depths at or
// below 0 and above 5000 m fall outside every bucket and report ok=false.
func Bin(depth float64) (label int, ok bool) {
	if !(depth > 0) {
		return 0, false
	}
	for _, b := range depthBins {
		if depth <= b.upper {
			return b.label, true
		}
	}
	return 0, false
}
