package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/pipeline"
	"github.com/oceangenomics/abundance/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	config := filepath.Join(dir, "abundance.toml")
	require.NoError(t, os.WriteFile(config, []byte("out_dir = \"from-config\"\n[lod]\nratio_threshold = 0.5\nabundance_threshold = 0.01\n"), 0644))

	fs := flag.NewFlagSet("lod", flag.ContinueOnError)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-config", config,
		"-samples", "a_samples.tsv, b_samples.tsv",
		"-ratio-threshold", "0.3",
	}))
	opts, err := f.opts(ctx, fs)
	require.NoError(t, err)
	expect.EQ(t, opts.OutDir, "from-config")
	expect.EQ(t, opts.SampleTables, []string{"a_samples.tsv", "b_samples.tsv"})
	expect.EQ(t, opts.LOD.RatioThreshold, 0.3)
	expect.EQ(t, opts.LOD.AbundanceThreshold, 0.01)
	expect.EQ(t, opts.Calibration.ReadLength, pipeline.DefaultOpts.Calibration.ReadLength)
}

func TestFlagsValidate(t *testing.T) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-read-length", "0"}))
	_, err := f.opts(vcontext.Background(), fs)
	require.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	groups := summary.Summarize([]summary.Observation{
		{Key: []string{"Free-living"}, Value: 1},
		{Key: []string{"Free-living"}, Value: 3},
	})
	out := renderTable(summary.Table("summary_test", []string{"cell_state"}, groups), numericColumns)
	assert.True(t, strings.Contains(out, "summary_test"), out)
	assert.True(t, strings.Contains(out, "Free-living"), out)
	assert.True(t, strings.Contains(out, "CELL_STATE") || strings.Contains(out, "cell_state"), out)
	expect.EQ(t, renderTable(tabular.New("empty"), nil), "")
}

func TestRender(t *testing.T) {
	report := &pipeline.Report{Outputs: []pipeline.Output{{
		Name:    "summary_x",
		Table:   summary.Table("summary_x", []string{"k"}, nil),
		Written: tabular.Written{Path: "out/summary_x.tsv"},
	}}}
	var b bytes.Buffer
	render(&b, report)
	assert.True(t, strings.Contains(b.String(), "out/summary_x.tsv"))
	assert.True(t, strings.Contains(b.String(), "0 rejections"))
}
