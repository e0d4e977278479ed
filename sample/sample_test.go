package sample_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellState(t *testing.T) {
	tests := []struct {
		filterSize float64
		want       string
	}{
		{0.2, sample.FreeLiving},
		{4.9, sample.FreeLiving},
		{5.0, sample.ParticleBound},
		{5.1, sample.ParticleBound},
		{20, sample.ParticleBound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sample.CellState(tt.filterSize), "filter size %v", tt.filterSize)
		assert.Equal(t, tt.want, sample.Sample{FilterSize: tt.filterSize}.CellState())
	}
}

func TestBin(t *testing.T) {
	tests := []struct {
		depth float64
		want  int
		ok    bool
	}{
		{0, 0, false},
		{0.5, 5, true},
		{5, 5, true},
		{5.0001, 45, true},
		{66, 45, true},
		{66.0001, 75, true},
		{90, 75, true},
		{150, 150, true},
		{160, 150, true},
		{160.5, 300, true},
		{300, 300, true},
		{1000, 1000, true},
		{1000.0001, 1000, true},
		{2000, 1000, true},
		{2000.1, 4000, true},
		{5000, 4000, true},
		{5000.1, 0, false},
		{-3, 0, false},
	}
	for _, tt := range tests {
		got, ok := sample.Bin(tt.depth)
		assert.Equal(t, tt.ok, ok, "depth %v", tt.depth)
		assert.Equal(t, tt.want, got, "depth %v", tt.depth)
	}
}

func mustParse(t *testing.T, name, data string) *tabular.Table {
	tbl, err := tabular.Parse(strings.NewReader(data), name)
	require.NoError(t, err)
	return tbl
}

func TestBuild(t *testing.T) {
	hot := mustParse(t, "HOT346_samples.tsv",
		"Sample\tDepth\tFilter size (um)\tVial #\n"+
			"H1\t5\t0.2\t1\n"+
			"H2\t66\t5\t2\n"+
			"H3\t66.0001\t20\t3\n"+
			"H4\t1000\t3\t4\n"+
			"H5\t1000.0001\t3\t5\n"+
			"H6\t\t3\t6\n"+
			"H7\t45\t\t7\n")
	tara := mustParse(t, "TARA_samples.tsv",
		"sample\tdepth\tFILTER_SIZE\tlatitude\n"+
			"ERR1\t5\t0.22-3\t10\n"+
			"ERR2\t45\t20-180\t-39.9\n"+
			"ERR3\t5\t0.22-1.6\t40\n"+
			"ERR4\t5\t0.22-1.6\t-40\n"+
			"ERR5\t5\t0.8-5\t\n"+
			"ERR6\t\t0.8-5\t12\n")
	reg, err := sample.Build([]sample.Input{
		{Source: sample.SourceName("data/HOT346_samples.tsv"), Table: hot},
		{Source: sample.SourceName("data/TARA_samples.tsv"), Table: tara},
	})
	require.NoError(t, err)

	var ids []string
	for _, s := range reg.Samples() {
		ids = append(ids, s.ID)
	}
	expect.EQ(t, ids, []string{"H1", "H2", "H3", "H4", "ERR1", "ERR2"})

	s, ok := reg.Lookup("H3")
	require.True(t, ok)
	expect.EQ(t, s, sample.Sample{ID: "H3", Depth: 66.0001, FilterSize: 20, Source: "HOT346"})
	expect.EQ(t, s.BinnedDepthString(), "75")

	s, ok = reg.Lookup("ERR2")
	require.True(t, ok)
	expect.EQ(t, s.FilterSize, 20.0)
	expect.EQ(t, s.CellState(), sample.ParticleBound)
	expect.EQ(t, s.Source, "TARA")

	_, ok = reg.Lookup("H5")
	expect.False(t, ok)

	reasons := map[string]string{}
	for _, r := range reg.Rejections() {
		reasons[r.SampleID] = r.Reason
	}
	expect.EQ(t, reasons, map[string]string{
		"H5":   sample.ReasonTooDeep,
		"H6":   sample.ReasonMissingDepth,
		"H7":   sample.ReasonMissingFilterSize,
		"ERR3": sample.ReasonOutsideLatitude,
		"ERR4": sample.ReasonOutsideLatitude,
		"ERR5": sample.ReasonMissingLatitude,
		"ERR6": sample.ReasonMissingDepth,
	})
}

func TestBuildNonFinite(t *testing.T) {
	hot := mustParse(t, "HOT_samples.tsv", "sample\tdepth\tfilter size (um)\n"+
		"N1\tNaN\t0.2\n"+
		"N2\t25\tnan\n"+
		"N3\t25\t0.2\n"+
		"N4\tinf\t0.2\n"+
		"N5\t25\t0\n"+
		"N6\t25\t-3\n")
	reg, err := sample.Build([]sample.Input{{Source: "HOT", Table: hot}})
	require.NoError(t, err)
	require.Len(t, reg.Samples(), 1)
	expect.EQ(t, reg.Samples()[0].ID, "N3")

	reasons := map[string]string{}
	for _, r := range reg.Rejections() {
		reasons[r.SampleID] = r.Reason
	}
	expect.EQ(t, reasons, map[string]string{
		"N1": sample.ReasonMissingDepth,
		"N2": sample.ReasonMissingFilterSize,
		"N4": sample.ReasonMissingDepth,
		"N5": sample.ReasonMissingFilterSize,
		"N6": sample.ReasonMissingFilterSize,
	})
}

func TestBuildDuplicate(t *testing.T) {
	a := mustParse(t, "A_samples.tsv", "sample\tdepth\tfilter size (um)\nX\t5\t0.2\n")
	b := mustParse(t, "B_samples.tsv", "sample\tdepth\tfilter size (um)\nX\t45\t3\n")
	_, err := sample.Build([]sample.Input{{Source: "A", Table: a}, {Source: "B", Table: b}})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestBuildMissingColumn(t *testing.T) {
	a := mustParse(t, "A_samples.tsv", "sample\tdepth\n1\t5\n")
	_, err := sample.Build([]sample.Input{{Source: "A", Table: a}})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestLowerBound(t *testing.T) {
	expect.EQ(t, sample.LowerBound("0.22-3"), "0.22")
	expect.EQ(t, sample.LowerBound("20-180"), "20")
	expect.EQ(t, sample.LowerBound("0.8"), "0.8")
}

func TestTableRoundTrip(t *testing.T) {
	hot := mustParse(t, "HOT_samples.tsv", "sample\tdepth\tfilter size (um)\nH1\t0\t0.2\nH2\t150\t5\n")
	reg, err := sample.Build([]sample.Input{{Source: "HOT", Table: hot}})
	require.NoError(t, err)

	tbl := reg.Table()
	expect.EQ(t, tbl.Header, sample.Columns)
	expect.EQ(t, tbl.Rows, [][]string{
		{"H1", "0", "0.2", sample.FreeLiving, "", "HOT"},
		{"H2", "150", "5", sample.ParticleBound, "150", "HOT"},
	})

	back, err := sample.FromTable(tbl)
	require.NoError(t, err)
	expect.EQ(t, back.Samples(), reg.Samples())

	bad := mustParse(t, "StandardizedSamples.tsv", "sample_id\tdepth\tfilter_size\tsource_dataset\nX\t25\tNaN\tHOT\n")
	_, err = sample.FromTable(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestWriteRead(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	hot := mustParse(t, "HOT_samples.tsv", "sample\tdepth\tfilter size (um)\nH1\t25\t0.2\nH2\t150\t5\n")
	reg, err := sample.Build([]sample.Input{{Source: "HOT", Table: hot}})
	require.NoError(t, err)

	path := filepath.Join(dir, "StandardizedSamples.tsv.gz")
	w, err := reg.WriteTable(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, w.Rows, 2)

	back, err := sample.Read(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, back.Samples(), reg.Samples())

	_, err = sample.Read(ctx, filepath.Join(dir, "missing.tsv"))
	require.Error(t, err)
}
