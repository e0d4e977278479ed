package absolute

import (
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
)

var metadataColumns = []string{"depth", "filter_size", "cell_state", "binned_depth"}

func metadata(s sample.Sample) []string {
	return []string{tabular.FormatFloat(s.Depth), tabular.FormatFloat(s.FilterSize), s.CellState(), s.BinnedDepthString()}
}

func columns(cols ...string) []string { return append(cols, metadataColumns...) }

// SubcladeColumns are the columns of the subclade table.
var SubcladeColumns = columns("sample_id", "genus", "subclade", "classification",
	"relative_genome_equivalents", "efficiency", "absolute_genome_equivalents")

// SubcladeTable renders records.
func SubcladeTable(records []Record) *tabular.Table {
	t := tabular.New("SubcladeAbsoluteGenomeEquivalent", SubcladeColumns...)
	f := tabular.FormatFloat
	for _, r := range records {
		t.Append(append([]string{r.Sample.ID, r.Genus, r.Subclade, r.Classification,
			f(r.Relative), f(r.Efficiency), f(r.Absolute)}, metadata(r.Sample)...)...)
	}
	return t
}

// CladeColumns are the columns of the clade table.
var CladeColumns = columns("sample_id", "classification",
	"absolute_genome_equivalents", "log10_absolute_genome_equivalents")

// CladeTable renders clade records.
func CladeTable(clades []CladeRecord) *tabular.Table {
	t := tabular.New("CladeAbsoluteGenomeEquivalent", CladeColumns...)
	f := tabular.FormatFloat
	for _, c := range clades {
		t.Append(append([]string{c.Sample.ID, c.Classification, f(c.Absolute), f(c.Log10Absolute())},
			metadata(c.Sample)...)...)
	}
	return t
}

// CladePercentageColumns are the columns of the clade percentage table.
var CladePercentageColumns = columns("sample_id", "classification", "genome_equivalents", "percentage")

// CladePercentageTable renders clade shares.
func CladePercentageTable(shares []CladeShare) *tabular.Table {
	t := tabular.New("CladePercentage", CladePercentageColumns...)
	f := tabular.FormatFloat
	for _, c := range shares {
		t.Append(append([]string{c.Sample.ID, c.Classification, f(c.GenomeEquivalent), f(c.Percent)},
			metadata(c.Sample)...)...)
	}
	return t
}
