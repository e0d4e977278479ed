// Package pipeline runs the abundance stages end to end: sample
// standardization, limit-of-detection gating, spike-in calibration, absolute
// genome equivalents and grouped summaries. Every stage writes its tables
// under Opts.OutDir and records what it dropped; a run ends by writing the
// rejection log, a manifest of every table written and, optionally, a SQLite
// copy of all of them.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/absolute"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/calibrate"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/lod"
	"github.com/oceangenomics/abundance/sample"
	"github.com/oceangenomics/abundance/summary"
)

// Stage names a step of the pipeline. Running a stage runs the stages it
// depends on first, unless their result can be loaded from Opts.
type Stage string

const (
	StageStandardize Stage = "standardize"
	StageLOD         Stage = "lod"
	StageEfficiency  Stage = "efficiency"
	StageAbsolute    Stage = "absolute"
	StageSummarize   Stage = "summarize"
)

// AllStages lists every stage in run order.
var AllStages = []Stage{StageStandardize, StageLOD, StageEfficiency, StageAbsolute, StageSummarize}

// Output table names, without extension.
const (
	OutStandardizedSamples = "StandardizedSamples"
	OutLODTable            = "LOD_table"
	OutSummaryReadCount    = "AllSummaryReadCount"
	OutNormalizedCount     = "AllNormalizedCount"
	OutCommunityPercent    = "ProInCommunityPercent"
	OutStandardData        = "StandardData"
	OutFilterSizeAveraged  = "FilterSizeAveragedStandard"
	OutSubcladeAbsolute    = "SubcladeAbsoluteGenomeEquivalent"
	OutCladeAbsolute       = "CladeAbsoluteGenomeEquivalent"
	OutCladePercentage     = "CladePercentage"
	OutSummaryCommunity    = "summary_target_percent_in_community"
	OutSummaryClade        = "summary_clade_percentage"
	OutSummaryEfficiency   = "summary_efficiency"
	OutSummaryAbsolute     = "summary_log10_absolute_genome_equivalents"
	OutRejections          = "rejections"
	OutManifest            = "MANIFEST"
)

// Output is one table produced by a run.
type Output struct {
	Name    string
	Table   *tabular.Table
	Written tabular.Written
}

// Report is the result of a run.
type Report struct {
	Outputs    []Output
	Rejections []audit.Rejection
}

// Output returns the output with the given name.
func (r *Report) Output(name string) (Output, bool) {
	for _, o := range r.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Output{}, false
}

// runner holds the results of the stages run so far.
type runner struct {
	opts Opts
	log  audit.Log
	out  []Output

	reg         *sample.Registry
	gate        *lod.Result
	normalized  *tabular.Table
	calibration *calibrate.Calibration
	estimates   *calibrate.Estimates
	clades      []absolute.CladeRecord
	cladeShares []absolute.CladeShare
	ran         map[Stage]bool
}

// Run runs stages, and the stages they depend on, with opts. With no stages,
// every stage runs.
func Run(ctx context.Context, opts Opts, stages ...Stage) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Calibration.Parallelism == 0 {
		opts.Calibration.Parallelism = opts.Parallelism
	}
	if len(stages) == 0 {
		stages = AllStages
	}
	if !strings.Contains(opts.OutDir, "://") {
		if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
			return nil, errors.E(err, "create", opts.OutDir)
		}
	}
	r := &runner{opts: opts, ran: map[Stage]bool{}}
	for _, s := range stages {
		if err := r.run(ctx, s); err != nil {
			return nil, errors.E(err, "stage", string(s))
		}
	}
	if err := r.finish(ctx); err != nil {
		return nil, err
	}
	return &Report{Outputs: r.out, Rejections: r.log.Rejections()}, nil
}

func (r *runner) run(ctx context.Context, s Stage) error {
	if r.ran[s] {
		return nil
	}
	r.ran[s] = true
	switch s {
	case StageStandardize:
		return r.standardize(ctx)
	case StageLOD:
		return r.lod(ctx)
	case StageEfficiency:
		return r.efficiency(ctx)
	case StageAbsolute:
		return r.absolute(ctx)
	case StageSummarize:
		return r.summarize(ctx)
	}
	return errors.E(errors.Invalid, fmt.Sprintf("unknown stage %q", s))
}

func (r *runner) path(name string) string {
	p := filepath.Join(r.opts.OutDir, name+".tsv")
	if r.opts.Gzip {
		p += ".gz"
	}
	return p
}

// emit writes t under name and records it for the manifest.
func (r *runner) emit(ctx context.Context, name string, t *tabular.Table) error {
	w, err := tabular.Write(ctx, r.path(name), t)
	if err != nil {
		return err
	}
	log.Printf("pipeline: wrote %s (%d rows)", w.Path, w.Rows)
	r.out = append(r.out, Output{Name: name, Table: t, Written: w})
	return nil
}

// expand resolves glob patterns among local sample table paths.
func expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if !strings.ContainsAny(p, "*?[") || strings.Contains(p, "://") {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, p)
		}
		if len(matches) == 0 {
			return nil, errors.E(errors.NotExist, "no sample tables match", p)
		}
		out = append(out, matches...)
	}
	return out, nil
}

func (r *runner) standardize(ctx context.Context) error {
	switch {
	case len(r.opts.SampleTables) > 0:
		paths, err := expand(r.opts.SampleTables)
		if err != nil {
			return err
		}
		if r.reg, err = sample.Load(ctx, paths); err != nil {
			return err
		}
		r.log.Merge(r.reg.Rejections())
		return r.emit(ctx, OutStandardizedSamples, r.reg.Table())
	case r.opts.Registry != "":
		var err error
		r.reg, err = sample.Read(ctx, r.opts.Registry)
		return err
	}
	return errors.E(errors.Invalid, "sample_tables or registry must be set")
}

func (r *runner) lod(ctx context.Context) error {
	if err := r.run(ctx, StageStandardize); err != nil {
		return err
	}
	if r.opts.Summary == "" {
		return errors.E(errors.Invalid, "summary must be set")
	}
	st, err := tabular.Read(ctx, r.opts.Summary)
	if err != nil {
		return err
	}
	obs, err := lod.ReadSummary(st, r.opts.Taxa)
	if err != nil {
		return err
	}
	if r.gate, err = lod.Gate(obs, r.reg, r.opts.Taxa, r.opts.LOD); err != nil {
		return err
	}
	r.log.Merge(r.gate.Rejections)
	if err := r.emit(ctx, OutLODTable, r.gate.Table()); err != nil {
		return err
	}
	filtered, rejs, err := r.gate.Filter(st, r.opts.Taxa.SampleColumn, r.reg)
	if err != nil {
		return err
	}
	r.log.Merge(rejs)
	if err := r.emit(ctx, OutSummaryReadCount, filtered); err != nil {
		return err
	}
	if err := r.emit(ctx, OutCommunityPercent, lod.CommunityTable(r.gate.Community())); err != nil {
		return err
	}
	if r.opts.Normalized == "" {
		return nil
	}
	nt, err := tabular.Read(ctx, r.opts.Normalized)
	if err != nil {
		return err
	}
	if r.normalized, rejs, err = r.gate.Filter(nt, r.opts.Absolute.SampleColumn, r.reg); err != nil {
		return err
	}
	r.log.Merge(rejs)
	return r.emit(ctx, OutNormalizedCount, r.normalized)
}

func (r *runner) calibrationInputs() bool {
	o := r.opts
	return o.Reference != "" || o.SpikeLog != "" || o.VialMap != "" || o.HitsManifest != ""
}

func (r *runner) efficiency(ctx context.Context) error {
	if !r.calibrationInputs() {
		if r.opts.Efficiency == "" {
			return errors.E(errors.Invalid, "either the calibration inputs or efficiency must be set")
		}
		t, err := tabular.Read(ctx, r.opts.Efficiency)
		if err != nil {
			return err
		}
		r.estimates, err = calibrate.EstimatesFromTable(t)
		return err
	}
	for _, in := range []struct{ name, path string }{
		{"reference", r.opts.Reference},
		{"spike_log", r.opts.SpikeLog},
		{"vial_map", r.opts.VialMap},
		{"hits_manifest", r.opts.HitsManifest},
	} {
		if in.path == "" {
			return errors.E(errors.Invalid, in.name+" must be set")
		}
	}
	if err := r.run(ctx, StageStandardize); err != nil {
		return err
	}
	ref, err := calibrate.ReferenceFromFasta(ctx, r.opts.Reference)
	if err != nil {
		return err
	}
	spikeLog, err := tabular.Read(ctx, r.opts.SpikeLog)
	if err != nil {
		return err
	}
	entries, rejs, err := calibrate.ParseSpikeLog(spikeLog, r.opts.Calibration.Log)
	if err != nil {
		return err
	}
	r.log.Merge(rejs)
	vialMap, err := tabular.Read(ctx, r.opts.VialMap)
	if err != nil {
		return err
	}
	spikes, rejs, err := calibrate.MatchVials(entries, vialMap, r.reg, r.opts.Calibration.Log)
	if err != nil {
		return err
	}
	r.log.Merge(rejs)
	mt, err := tabular.Read(ctx, r.opts.HitsManifest)
	if err != nil {
		return err
	}
	manifest, err := calibrate.ParseManifest(mt, filepath.Dir(r.opts.HitsManifest))
	if err != nil {
		return err
	}
	if r.calibration, err = calibrate.Calibrate(ctx, spikes, manifest, ref, r.reg, r.opts.Calibration); err != nil {
		return err
	}
	r.log.Merge(r.calibration.Rejections)
	r.estimates = calibrate.Average(r.calibration.Measurements)
	if err := r.emit(ctx, OutStandardData, calibrate.MeasurementTable(r.calibration.Measurements)); err != nil {
		return err
	}
	return r.emit(ctx, OutFilterSizeAveraged, r.estimates.Table())
}

func (r *runner) absolute(ctx context.Context) error {
	if err := r.run(ctx, StageLOD); err != nil {
		return err
	}
	if err := r.run(ctx, StageEfficiency); err != nil {
		return err
	}
	if r.normalized == nil {
		return errors.E(errors.Invalid, "normalized must be set")
	}
	rel, err := absolute.ReadRelative(r.normalized, r.opts.Absolute)
	if err != nil {
		return err
	}
	records, rejs, err := absolute.Normalize(rel, r.reg, r.estimates, r.opts.Absolute)
	if err != nil {
		return err
	}
	r.log.Merge(rejs)
	r.clades = absolute.Clades(records, r.opts.Absolute.TargetGenus)
	r.cladeShares, rejs = absolute.CladePercentages(rel, r.reg, r.opts.Absolute)
	r.log.Merge(rejs)
	if err := r.emit(ctx, OutSubcladeAbsolute, absolute.SubcladeTable(records)); err != nil {
		return err
	}
	if err := r.emit(ctx, OutCladeAbsolute, absolute.CladeTable(r.clades)); err != nil {
		return err
	}
	return r.emit(ctx, OutCladePercentage, absolute.CladePercentageTable(r.cladeShares))
}

// absoluteObservations keys log10 clade counts by cell state and whole-meter
// depth. Depths are truncated before the maxDepth cut, so 150.5 m counts as
// 150 m.
func absoluteObservations(clades []absolute.CladeRecord, maxDepth float64) []summary.Observation {
	var obs []summary.Observation
	for _, c := range clades {
		depth := math.Trunc(c.Sample.Depth)
		if depth > maxDepth {
			continue
		}
		obs = append(obs, summary.Observation{
			Key:   []string{c.Sample.CellState(), tabular.FormatFloat(depth)},
			Value: c.Log10Absolute(),
		})
	}
	return obs
}

func (r *runner) summarize(ctx context.Context) error {
	if err := r.run(ctx, StageAbsolute); err != nil {
		return err
	}
	var obs []summary.Observation
	for _, c := range r.gate.Community() {
		obs = append(obs, summary.Observation{
			Key:   []string{c.Sample.CellState(), c.Sample.BinnedDepthString()},
			Value: c.Percent,
		})
	}
	if err := r.emit(ctx, OutSummaryCommunity,
		summary.Table(OutSummaryCommunity, []string{"cell_state", "binned_depth"}, summary.Summarize(obs))); err != nil {
		return err
	}

	obs = obs[:0]
	for _, c := range r.cladeShares {
		if c.Classification == absolute.Unclassified {
			continue
		}
		obs = append(obs, summary.Observation{
			Key:   []string{c.Sample.CellState(), c.Sample.BinnedDepthString(), c.Classification},
			Value: c.Percent,
		})
	}
	if err := r.emit(ctx, OutSummaryClade,
		summary.Table(OutSummaryClade, []string{"cell_state", "binned_depth", "classification"}, summary.Summarize(obs))); err != nil {
		return err
	}

	if err := r.emit(ctx, OutSummaryAbsolute,
		summary.Table(OutSummaryAbsolute, []string{"cell_state", "depth"},
			summary.Summarize(absoluteObservations(r.clades, r.opts.MaxSummaryDepth)))); err != nil {
		return err
	}

	if r.calibration == nil {
		return nil
	}
	obs = obs[:0]
	for _, m := range r.calibration.Measurements {
		if m.Excluded {
			continue
		}
		obs = append(obs, summary.Observation{Key: []string{tabular.FormatFloat(m.FilterSize)}, Value: m.Efficiency})
	}
	return r.emit(ctx, OutSummaryEfficiency,
		summary.Table(OutSummaryEfficiency, []string{"filter_size"}, summary.Summarize(obs)))
}

// finish writes the rejection log, the manifest and the audit database.
func (r *runner) finish(ctx context.Context) error {
	if err := r.emit(ctx, OutRejections, r.log.Table()); err != nil {
		return err
	}
	manifest := tabular.New(OutManifest, "path", "rows", "checksum")
	for _, o := range r.out {
		manifest.Append(filepath.Base(o.Written.Path), fmt.Sprint(o.Written.Rows), o.Written.Checksum)
	}
	if _, err := tabular.Write(ctx, filepath.Join(r.opts.OutDir, OutManifest+".tsv"), manifest); err != nil {
		return err
	}
	log.Printf("pipeline: %d tables written to %s, %d rejections", len(r.out), r.opts.OutDir, r.log.Len())
	if r.opts.AuditDB == "" {
		return nil
	}
	return r.store(ctx)
}

func (r *runner) store(ctx context.Context) (err error) {
	db, err := audit.OpenStore(ctx, r.opts.AuditDB)
	if err != nil {
		return err
	}
	defer func() {
		if e := db.Close(); e != nil && err == nil {
			err = e
		}
	}()
	for _, o := range r.out {
		if o.Name == OutRejections {
			continue
		}
		if err := db.PutTable(ctx, o.Name, o.Table); err != nil {
			return err
		}
	}
	return db.PutLog(ctx, &r.log)
}
