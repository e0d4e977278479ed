package pipeline

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/oceangenomics/abundance/absolute"
	"github.com/oceangenomics/abundance/calibrate"
	"github.com/oceangenomics/abundance/lod"
	toml "github.com/pelletier/go-toml/v2"
)

// Opts configures a run. Input paths may be any path understood by
// github.com/grailbio/base/file; local sample table paths may be globs.
type Opts struct {
	// SampleTables are the per-cruise *_samples.tsv metadata tables.
	SampleTables []string `toml:"sample_tables"`
	// Registry is a StandardizedSamples.tsv written by an earlier run. It is
	// used when SampleTables is empty.
	Registry string `toml:"registry"`

	// Summary and Normalized are the classifier's summary_read_count.tsv and
	// normalized_counts.tsv.
	Summary    string `toml:"summary"`
	Normalized string `toml:"normalized"`

	// Spike-in calibration inputs.
	Reference    string `toml:"reference"`
	SpikeLog     string `toml:"spike_log"`
	VialMap      string `toml:"vial_map"`
	HitsManifest string `toml:"hits_manifest"`
	// Efficiency is a FilterSizeAveragedStandard.tsv written by an earlier
	// run. It is used when the calibration inputs are not set.
	Efficiency string `toml:"efficiency"`

	// OutDir receives every output table.
	OutDir string `toml:"out_dir"`
	// Gzip compresses the output tables.
	Gzip bool `toml:"gzip"`
	// AuditDB, when set, is a SQLite database that receives a copy of every
	// output table and the rejection log.
	AuditDB string `toml:"audit_db"`
	// Parallelism is used by stages that do not set their own. 0 means
	// runtime.NumCPU().
	Parallelism int `toml:"parallelism"`
	// MaxSummaryDepth bounds the depth (m) of samples in the log10 absolute
	// summary.
	MaxSummaryDepth float64 `toml:"max_summary_depth"`

	LOD         lod.Opts       `toml:"lod"`
	Taxa        lod.Taxa       `toml:"taxa"`
	Calibration calibrate.Opts `toml:"calibration"`
	Absolute    absolute.Opts  `toml:"absolute"`
}

// DefaultOpts holds the values of the original HOT346 analysis.
var DefaultOpts = Opts{
	OutDir:          "data",
	MaxSummaryDepth: 150,
	LOD:             lod.DefaultOpts,
	Taxa:            lod.DefaultTaxa,
	Calibration:     calibrate.DefaultOpts,
	Absolute:        absolute.DefaultOpts,
}

// Clone returns a copy of o that shares no slices with it.
func (o Opts) Clone() Opts {
	c := o
	c.SampleTables = append([]string(nil), o.SampleTables...)
	c.Absolute.AmbiguousMarkers = append([]string(nil), o.Absolute.AmbiguousMarkers...)
	c.Absolute.ExcludeSamples = append([]string(nil), o.Absolute.ExcludeSamples...)
	return c
}

// LoadConfig decodes the TOML file at path over DefaultOpts. Keys missing
// from the file keep their default; unknown keys are an error.
func LoadConfig(ctx context.Context, path string) (opts Opts, err error) {
	opts = DefaultOpts.Clone()
	in, err := file.Open(ctx, path)
	if err != nil {
		return Opts{}, errors.E(err, "open config", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	dec := toml.NewDecoder(in.Reader(ctx))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		return Opts{}, errors.E(errors.Invalid, err, "parse config", path)
	}
	return opts, opts.Validate()
}

// Validate checks the thresholds and constants of o. Stage inputs are
// checked when the stage runs.
func (o Opts) Validate() error {
	if o.OutDir == "" {
		return errors.E(errors.Invalid, "out_dir must be set")
	}
	if o.Parallelism < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("parallelism must not be negative, got %d", o.Parallelism))
	}
	if err := o.LOD.Validate(); err != nil {
		return err
	}
	return o.Calibration.Validate()
}
