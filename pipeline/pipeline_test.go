package pipeline

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/oceangenomics/abundance/absolute"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/calibrate"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/lod"
	"github.com/oceangenomics/abundance/sample"
	"github.com/oceangenomics/abundance/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtures = map[string]string{
	"HOT346_samples.tsv": "sample\tDepth\tFilter size (um)\n" +
		"K1\t25\t0.2\n" +
		"K2\t25\t20\n" +
		"K3\t100\t0.2\n" +
		"K4\t100\t20\n" +
		"K5\t\t0.2\n",
	"TARA_samples.tsv": "sample\tdepth\tfilter_size\tlatitude\n" +
		"ERR1\t5\t0.22-3\t10\n" +
		"ERR2\t5\t0.22-3\t60\n",
	"summary_read_count.tsv": "sample_name\tsummary_type\tProchlorococcus\tSynechococcus\tother_genus\tunclassified\n" +
		"K1\treads\t100000\t1000\t10000\t0\n" +
		"K1\tpercent\t90\t1\t9\t0\n" +
		"K2\treads\t90000\t1000\t10000\t0\n" +
		"K3\treads\t80000\t1000\t10000\t0\n" +
		"K4\treads\t10\t1000\t10000\t0\n" +
		"ERR1\treads\t70000\t1000\t10000\t0\n",
	"normalized_counts.tsv": "sample_name\tgenus\tclade\tgenome_equivalents\n" +
		"K1\tProchlorococcus\tHLII\t10\n" +
		"K1\tProchlorococcus\tLLI\t5\n" +
		"K1\tProchlorococcus\tAMZI\t1\n" +
		"K2\tProchlorococcus\tHLII\t4\n" +
		"K3\tProchlorococcus\tLLIV\t2\n" +
		"K4\tProchlorococcus\tHLII\t100\n" +
		"ERR1\tProchlorococcus\tHLII\t3\n" +
		"K1\tSynechococcus\t5.1A\t7\n",
	"thermus.fasta": ">chr\nACGTACGTAC\n>plasmid\nGGCC\n",
	"log.tsv": "Vial #\tExp/play\tVol of DNA standard added (uL)\tNotes\n" +
		"1\texp\t5\t\n" +
		"2\texp\t5\t\n" +
		"3\texp\t10\tDNA extraction combined: 3+4\n" +
		"9\tplay\t5\t\n",
	"vials.tsv": "sample\tVial #\n" +
		"K1\t1\n" +
		"K2\t2\n" +
		"K3\t34\n" +
		"K4\t4\n",
	"hits/manifest.tsv": "sample_name\tforward_hits\treverse_hits\n" +
		"K1\tK1_1.tsv\tK1_2.tsv\n" +
		"K2\tK2_1.tsv\tK2_2.tsv\n" +
		"K3\tK3_1.tsv\t\n",
	"hits/K1_1.tsv": hit("r1", 99, 150) + hit("r1", 98, 150) + hit("r2", 100, 150),
	"hits/K1_2.tsv": hit("r1", 97, 150) + hit("r3", 100, 150) + hit("r4", 100, 150),
	"hits/K2_1.tsv": hit("r1", 99, 150),
	"hits/K2_2.tsv": hit("r2", 99, 150),
	"hits/K3_1.tsv": hit("r1", 99, 150) + hit("r2", 99, 150) + hit("r3", 99, 150),
}

func hit(read string, pident float64, length int) string {
	return read + "\tchr\t" + strconv.FormatFloat(pident, 'g', -1, 64) + "\t" + strconv.Itoa(length) +
		"\t0\t0\t1\t150\t1\t150\t1e-60\t270\n"
}

func setup(t *testing.T) (dir string, opts Opts, cleanup func()) {
	dir, cleanup = testutil.TempDir(t, "", "")
	for name, data := range fixtures {
		p := filepath.Join(dir, "in", name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0644))
	}
	in := func(name string) string { return filepath.Join(dir, "in", name) }
	opts = DefaultOpts.Clone()
	opts.SampleTables = []string{in("*_samples.tsv")}
	opts.Summary = in("summary_read_count.tsv")
	opts.Normalized = in("normalized_counts.tsv")
	opts.Reference = in("thermus.fasta")
	opts.SpikeLog = in("log.tsv")
	opts.VialMap = in("vials.tsv")
	opts.HitsManifest = in("hits/manifest.tsv")
	opts.OutDir = filepath.Join(dir, "out")
	opts.AuditDB = filepath.Join(dir, "out", "audit.db")
	opts.Parallelism = 2
	return dir, opts, cleanup
}

func rows(t *testing.T, o Output, key ...string) map[string][]string {
	cols, err := o.Table.Cols(key...)
	require.NoError(t, err)
	m := map[string][]string{}
	for _, row := range o.Table.Rows {
		k := ""
		for _, c := range cols {
			k += row[c] + "/"
		}
		m[k] = row
	}
	return m
}

func TestRun(t *testing.T) {
	_, opts, cleanup := setup(t)
	defer cleanup()
	ctx := vcontext.Background()

	report, err := Run(ctx, opts)
	require.NoError(t, err)

	var names []string
	for _, o := range report.Outputs {
		names = append(names, o.Name)
		_, err := os.Stat(o.Written.Path)
		require.NoError(t, err, o.Name)
	}
	expect.EQ(t, names, []string{
		OutStandardizedSamples,
		OutLODTable, OutSummaryReadCount, OutCommunityPercent, OutNormalizedCount,
		OutStandardData, OutFilterSizeAveraged,
		OutSubcladeAbsolute, OutCladeAbsolute, OutCladePercentage,
		OutSummaryCommunity, OutSummaryClade, OutSummaryAbsolute, OutSummaryEfficiency,
		OutRejections,
	})

	reg, _ := report.Output(OutStandardizedSamples)
	expect.EQ(t, reg.Table.Len(), 5)

	lodOut, _ := report.Output(OutLODTable)
	decisions := rows(t, lodOut, "sample_id")
	expect.EQ(t, decisions["K4/"][len(lod.DecisionColumns)-1], "False")
	expect.EQ(t, decisions["K1/"][len(lod.DecisionColumns)-1], "True")

	normalized, _ := report.Output(OutNormalizedCount)
	expect.EQ(t, normalized.Table.Len(), 7)

	std, _ := report.Output(OutStandardData)
	measured := rows(t, std, "sample_id")
	require.Len(t, measured, 3)
	readsCol, _ := std.Table.Col("recovered_reads")
	expect.EQ(t, measured["K1/"][readsCol], "4")
	expect.EQ(t, measured["K2/"][readsCol], "2")
	expect.EQ(t, measured["K3/"][readsCol], "3")
	vialCol, _ := std.Table.Col("vial")
	expect.EQ(t, measured["K3/"][vialCol], "34")

	avg, _ := report.Output(OutFilterSizeAveraged)
	est, err := calibrate.EstimatesFromTable(avg.Table)
	require.NoError(t, err)
	fl, ok, err := est.Lookup(0.2)
	require.NoError(t, err)
	require.True(t, ok)
	expect.EQ(t, fl.SampleCount, 2)

	clade, _ := report.Output(OutCladeAbsolute)
	clades := rows(t, clade, "sample_id", "classification")
	require.Len(t, clades, 5)
	absCol, _ := clade.Table.Col("absolute_genome_equivalents")
	hl, err := strconv.ParseFloat(clades["K1/HL/"][absCol], 64)
	require.NoError(t, err)
	assert.InEpsilon(t, 10/fl.MeanEfficiency, hl, 1e-9)
	unc, err := strconv.ParseFloat(clades["K1/"+absolute.Unclassified+"/"][absCol], 64)
	require.NoError(t, err)
	assert.InEpsilon(t, 1/fl.MeanEfficiency, unc, 1e-9)

	sub, _ := report.Output(OutSubcladeAbsolute)
	expect.EQ(t, sub.Table.Len(), 6)

	reasons := map[string]string{}
	for _, r := range report.Rejections {
		reasons[r.Stage+"/"+r.SampleID] = r.Reason
	}
	expect.EQ(t, reasons["registry/K5"], sample.ReasonMissingDepth)
	expect.EQ(t, reasons["registry/ERR2"], sample.ReasonOutsideLatitude)
	expect.EQ(t, reasons["lod/K4"], lod.ReasonFailed)
	expect.EQ(t, reasons["calibration/K4"], calibrate.ReasonNoLogEntry)
	expect.EQ(t, reasons["absolute/ERR1"], absolute.ReasonExcludedSample)

	manifest, err := tabular.Read(ctx, filepath.Join(opts.OutDir, OutManifest+".tsv"))
	require.NoError(t, err)
	expect.EQ(t, manifest.Len(), len(report.Outputs))
	for i, o := range report.Outputs {
		expect.EQ(t, manifest.Rows[i], []string{filepath.Base(o.Written.Path), strconv.Itoa(o.Written.Rows), o.Written.Checksum})
	}

	db, err := audit.OpenStore(ctx, opts.AuditDB)
	require.NoError(t, err)
	defer db.Close()
	n, err := db.Count(ctx, "rejections")
	require.NoError(t, err)
	expect.EQ(t, n, len(report.Rejections))
	n, err = db.Count(ctx, OutCladeAbsolute)
	require.NoError(t, err)
	expect.EQ(t, n, 5)
	rejected, err := db.Rejected(ctx, "K4")
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	expect.EQ(t, rejected[0].Stage, audit.StageCalibration)
	expect.EQ(t, rejected[1].Stage, audit.StageLOD)
}

func TestRunFromPreviousOutputs(t *testing.T) {
	dir, opts, cleanup := setup(t)
	defer cleanup()
	ctx := vcontext.Background()

	first, err := Run(ctx, opts)
	require.NoError(t, err)

	again := opts.Clone()
	again.SampleTables = nil
	again.Registry = filepath.Join(opts.OutDir, OutStandardizedSamples+".tsv")
	again.Reference, again.SpikeLog, again.VialMap, again.HitsManifest = "", "", "", ""
	again.Efficiency = filepath.Join(opts.OutDir, OutFilterSizeAveraged+".tsv")
	again.OutDir = filepath.Join(dir, "again")
	again.AuditDB = ""
	again.Gzip = true
	second, err := Run(ctx, again, StageAbsolute)
	require.NoError(t, err)

	_, ok := second.Output(OutStandardData)
	assert.False(t, ok)
	a, _ := first.Output(OutCladeAbsolute)
	b, ok := second.Output(OutCladeAbsolute)
	require.True(t, ok)
	expect.EQ(t, b.Table.Rows, a.Table.Rows)
	assert.Equal(t, filepath.Join(again.OutDir, OutCladeAbsolute+".tsv.gz"), b.Written.Path)

	back, err := tabular.Read(ctx, b.Written.Path)
	require.NoError(t, err)
	expect.EQ(t, back.Rows, a.Table.Rows)
}

func TestRunMissingInputs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	opts := DefaultOpts.Clone()
	opts.OutDir = dir
	_, err := Run(ctx, opts, StageStandardize)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))

	opts.SampleTables = []string{filepath.Join(dir, "*_samples.tsv")}
	_, err = Run(ctx, opts, StageStandardize)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestRunBadReference(t *testing.T) {
	dir, opts, cleanup := setup(t)
	defer cleanup()
	ctx := vcontext.Background()

	opts.Reference = filepath.Join(dir, "in", "one.fasta")
	require.NoError(t, os.WriteFile(opts.Reference, []byte(">chr\nACGT\n"), 0644))
	_, err := Run(ctx, opts, StageEfficiency)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Precondition, err))
}

func TestLoadConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	path := filepath.Join(dir, "abundance.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
out_dir = "results"
sample_tables = ["inputs/*_samples.tsv"]

[lod]
ratio_threshold = 0.5
require_min_count = true

[calibration]
outlier_zscore = 3

[calibration.log]
kind_column = ""

[absolute]
exclude_samples = ["SRR"]
`), 0644))
	opts, err := LoadConfig(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, opts.OutDir, "results")
	expect.EQ(t, opts.SampleTables, []string{"inputs/*_samples.tsv"})
	expect.EQ(t, opts.LOD.RatioThreshold, 0.5)
	expect.EQ(t, opts.LOD.AbundanceThreshold, lod.DefaultOpts.AbundanceThreshold)
	assert.True(t, opts.LOD.RequireMinCount)
	expect.EQ(t, opts.Calibration.OutlierZScore, 3.0)
	expect.EQ(t, opts.Calibration.ReadLength, 150)
	expect.EQ(t, opts.Calibration.Log.KindColumn, "")
	expect.EQ(t, opts.Calibration.Log.VialColumn, calibrate.DefaultLogOpts.VialColumn)
	expect.EQ(t, opts.Absolute.ExcludeSamples, []string{"SRR"})
	expect.EQ(t, DefaultOpts.Absolute.ExcludeSamples, []string{"ERR", "SRR"})

	require.NoError(t, os.WriteFile(path, []byte("[lod]\nratio = 1\n"), 0644))
	_, err = LoadConfig(ctx, path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[calibration]\nread_length = 0\n"), 0644))
	_, err = LoadConfig(ctx, path)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestAbsoluteObservationsTruncateDepth(t *testing.T) {
	clade := func(id string, depth, filter, abs float64) absolute.CladeRecord {
		return absolute.CladeRecord{
			Sample:         sample.Sample{ID: id, Depth: depth, FilterSize: filter},
			Classification: absolute.HL,
			Absolute:       abs,
		}
	}
	obs := absoluteObservations([]absolute.CladeRecord{
		clade("A", 25, 0.2, 10),
		clade("B", 25.5, 0.2, 1000),
		clade("C", 150.5, 20, 100),
		clade("D", 151, 0.2, 100),
	}, 150)
	require.Len(t, obs, 3)
	expect.EQ(t, obs[0].Key, []string{sample.FreeLiving, "25"})
	expect.EQ(t, obs[1].Key, []string{sample.FreeLiving, "25"})
	expect.EQ(t, obs[2].Key, []string{sample.ParticleBound, "150"})

	groups := summary.Summarize(obs)
	require.Len(t, groups, 2)
	expect.EQ(t, groups[0].N, 2)
	assert.InDelta(t, 2.0, groups[0].Mean, 1e-12)
}
