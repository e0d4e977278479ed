package lod

import (
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
)

// CommunityShare is the target genus' share of the classified community in one
// sample.
type CommunityShare struct {
	Sample          sample.Sample
	TotalClassified float64
	// Percent is 100 * target / total, NaN when the total is 0.
	Percent float64
}

// Community returns the community share of every passing sample.
func (r *Result) Community() []CommunityShare {
	var out []CommunityShare
	for _, d := range r.Decisions {
		if !d.Passes {
			continue
		}
		out = append(out, CommunityShare{Sample: d.Sample, TotalClassified: d.Total, Percent: 100 * d.Abundance})
	}
	return out
}

// CommunityColumns are the columns of the community share table.
var CommunityColumns = []string{
	"sample_id", "depth", "filter_size", "cell_state", "binned_depth", "source_dataset",
	"total_classified", "target_percent_in_community",
}

// CommunityTable renders shares.
func CommunityTable(shares []CommunityShare) *tabular.Table {
	t := tabular.New("ProInCommunityPercent", CommunityColumns...)
	f := tabular.FormatFloat
	for _, c := range shares {
		s := c.Sample
		t.Append(s.ID, f(s.Depth), f(s.FilterSize), s.CellState(), s.BinnedDepthString(), s.Source,
			f(c.TotalClassified), f(c.Percent))
	}
	return t
}
