package main

import (
	"context"
	"flag"
	"strings"

	"github.com/oceangenomics/abundance/pipeline"
)

// stageFlags are shared by every subcommand. A flag overrides the config file
// only when it is set on the command line.
type stageFlags struct {
	config *string
	quiet  *bool

	samples      *string
	registry     *string
	summary      *string
	normalized   *string
	reference    *string
	spikeLog     *string
	vialMap      *string
	hitsManifest *string
	efficiency   *string

	out         *string
	gzip        *bool
	auditDB     *string
	parallelism *int

	ratioThreshold     *float64
	abundanceThreshold *float64
	minCount           *float64
	requireMinCount    *bool
	outlierZScore      *float64
	readLength         *int
	concentration      *float64
}

func registerFlags(fs *flag.FlagSet) *stageFlags {
	d := pipeline.DefaultOpts
	return &stageFlags{
		config: fs.String("config", "", "TOML config file. Flags set on the command line override it."),
		quiet:  fs.Bool("quiet", false, "Do not print the summary tables"),

		samples:      fs.String("samples", "", "Comma-separated per-cruise *_samples.tsv tables; local paths may be globs"),
		registry:     fs.String("registry", "", "StandardizedSamples.tsv from an earlier run, used when -samples is empty"),
		summary:      fs.String("summary", "", "Classifier summary_read_count.tsv"),
		normalized:   fs.String("normalized", "", "Classifier normalized_counts.tsv"),
		reference:    fs.String("reference", "", "Spike-in reference FASTA with exactly two contigs"),
		spikeLog:     fs.String("spike-log", "", "Spike-in log sheet, exported as TSV"),
		vialMap:      fs.String("vial-map", "", "Table mapping sample to vial"),
		hitsManifest: fs.String("hits", "", "Manifest of per-sample BLAST or BAM hits against the spike-in reference"),
		efficiency:   fs.String("efficiency", "", "FilterSizeAveragedStandard.tsv from an earlier run, used when the calibration inputs are not set"),

		out:         fs.String("out", d.OutDir, "Output directory"),
		gzip:        fs.Bool("gzip", d.Gzip, "Gzip the output tables"),
		auditDB:     fs.String("audit-db", "", "SQLite database receiving every output table and the rejection log"),
		parallelism: fs.Int("parallelism", d.Parallelism, "Number of samples processed in parallel; 0 means NumCPU"),

		ratioThreshold:     fs.Float64("ratio-threshold", d.LOD.RatioThreshold, "Target/sibling genus ratio must exceed this"),
		abundanceThreshold: fs.Float64("abundance-threshold", d.LOD.AbundanceThreshold, "Target genus abundance must exceed this"),
		minCount:           fs.Float64("min-count", d.LOD.MinCountThreshold, "Minimum target genus read count"),
		requireMinCount:    fs.Bool("require-min-count", d.LOD.RequireMinCount, "Require -min-count to pass the gate"),
		outlierZScore:      fs.Float64("outlier-zscore", d.Calibration.OutlierZScore, "Efficiencies with |z| at or above this are not averaged"),
		readLength:         fs.Int("read-length", d.Calibration.ReadLength, "Sequencing read length"),
		concentration:      fs.Float64("concentration", d.Calibration.StandardConcentration, "Spike-in standard concentration, ng/uL"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// opts loads the config file, if any, and applies the flags set in fs.
func (f *stageFlags) opts(ctx context.Context, fs *flag.FlagSet) (pipeline.Opts, error) {
	opts := pipeline.DefaultOpts.Clone()
	if *f.config != "" {
		var err error
		if opts, err = pipeline.LoadConfig(ctx, *f.config); err != nil {
			return pipeline.Opts{}, err
		}
	}
	set := map[string]func(){
		"samples":             func() { opts.SampleTables = splitList(*f.samples) },
		"registry":            func() { opts.Registry = *f.registry },
		"summary":             func() { opts.Summary = *f.summary },
		"normalized":          func() { opts.Normalized = *f.normalized },
		"reference":           func() { opts.Reference = *f.reference },
		"spike-log":           func() { opts.SpikeLog = *f.spikeLog },
		"vial-map":            func() { opts.VialMap = *f.vialMap },
		"hits":                func() { opts.HitsManifest = *f.hitsManifest },
		"efficiency":          func() { opts.Efficiency = *f.efficiency },
		"out":                 func() { opts.OutDir = *f.out },
		"gzip":                func() { opts.Gzip = *f.gzip },
		"audit-db":            func() { opts.AuditDB = *f.auditDB },
		"parallelism":         func() { opts.Parallelism = *f.parallelism },
		"ratio-threshold":     func() { opts.LOD.RatioThreshold = *f.ratioThreshold },
		"abundance-threshold": func() { opts.LOD.AbundanceThreshold = *f.abundanceThreshold },
		"min-count":           func() { opts.LOD.MinCountThreshold = *f.minCount },
		"require-min-count":   func() { opts.LOD.RequireMinCount = *f.requireMinCount },
		"outlier-zscore":      func() { opts.Calibration.OutlierZScore = *f.outlierZScore },
		"read-length":         func() { opts.Calibration.ReadLength = *f.readLength },
		"concentration":       func() { opts.Calibration.StandardConcentration = *f.concentration },
	}
	fs.Visit(func(fl *flag.Flag) {
		if apply, ok := set[fl.Name]; ok {
			apply()
		}
	})
	return opts, opts.Validate()
}
