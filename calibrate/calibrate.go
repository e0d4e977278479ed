// Package calibrate estimates how efficiently a spike-in standard genome is
// carried through extraction and sequencing.
//
// A known mass of a foreign reference genome is added to each sample. The
// number of molecules added follows from the mass and the reference's
// molecular weight; the number recovered follows from the reads that map to
// the reference and the reference length. Their ratio is the sample's
// efficiency. Efficiencies are screened for gross outliers by standard score
// and averaged per filter size; only those averages are used to rescale
// abundances.
package calibrate

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/encoding/hits"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
)

// Avogadro is the number of molecules per mole.
const Avogadro = 6.022e23

// Opts controls calibration.
type Opts struct {
	// ReadLength is the sequencing read length, in bases.
	ReadLength int `toml:"read_length"`
	// StandardConcentration is the concentration of the spike-in standard, in
	// ng/uL. It is fixed per deployment.
	StandardConcentration float64 `toml:"standard_concentration"`
	// OutlierZScore excludes efficiencies whose absolute standard score is at
	// or above it from the per-filter-size averages.
	OutlierZScore float64 `toml:"outlier_zscore"`
	// Parallelism bounds the number of samples whose hits are read at once.
	// 0 means runtime.NumCPU().
	Parallelism int `toml:"parallelism"`

	Log LogOpts `toml:"log"`
}

// DefaultOpts is the calibration of the HOT cruise deployment.
var DefaultOpts = Opts{
	ReadLength:            150,
	StandardConcentration: 0.1,
	OutlierZScore:         7,
	Log:                   DefaultLogOpts,
}

// Validate checks that opts are usable.
func (o Opts) Validate() error {
	switch {
	case o.ReadLength <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("read length must be positive, got %d", o.ReadLength))
	case !(o.StandardConcentration > 0):
		return errors.E(errors.Invalid, fmt.Sprintf("standard concentration must be positive, got %v", o.StandardConcentration))
	case !(o.OutlierZScore > 0):
		return errors.E(errors.Invalid, fmt.Sprintf("outlier z-score must be positive, got %v", o.OutlierZScore))
	case o.Parallelism < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("parallelism must not be negative, got %d", o.Parallelism))
	}
	return nil
}

// AddedMass returns the mass (ng) of standard in volumeUL of a solution at
// concentration ng/uL.
func AddedMass(volumeUL, concentration float64) float64 {
	return volumeUL * concentration
}

// AddedMolecules returns the number of standard genome molecules in volumeUL
// of a solution at concentration ng/uL, for a genome of molecular weight mw.
func AddedMolecules(volumeUL, concentration, mw float64) float64 {
	return AddedMass(volumeUL, concentration) * 1e-9 / mw * Avogadro
}

// RecoveredMolecules returns the coverage of the standard genome implied by
// reads reads of readLength bases over a genome of genomeLength bases.
func RecoveredMolecules(reads, readLength, genomeLength int) float64 {
	return float64(reads) * float64(readLength) / float64(genomeLength)
}

// Efficiency returns recovered/added, or NaN when added is zero.
func Efficiency(recovered, added float64) float64 {
	if added == 0 {
		return math.NaN()
	}
	return recovered / added
}

// HitFiles names the hits of one sample against the standard genome, one file
// per mate. Reverse may be empty for single-end data.
type HitFiles struct {
	SampleID string
	Forward  string
	Reverse  string
}

// ParseManifest reads a hits manifest with columns sample_name, forward_hits
// and reverse_hits. Relative paths are resolved against dir.
func ParseManifest(t *tabular.Table, dir string) ([]HitFiles, error) {
	cols, err := t.Cols("sample_name", "forward_hits")
	if err != nil {
		return nil, err
	}
	revCol, hasRev := t.Col("reverse_hits")
	resolve := func(p string) string {
		if p == "" || dir == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
			return p
		}
		return filepath.Join(dir, p)
	}
	var out []HitFiles
	seen := map[string]bool{}
	for i, row := range t.Rows {
		hf := HitFiles{
			SampleID: tabular.Value(row, cols[0]),
			Forward:  resolve(tabular.Value(row, cols[1])),
		}
		if hasRev {
			hf.Reverse = resolve(tabular.Value(row, revCol))
		}
		if hf.SampleID == "" || hf.Forward == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: sample_name and forward_hits are required", t.Name, i+2))
		}
		if seen[hf.SampleID] {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: sample %q listed twice", t.Name, hf.SampleID))
		}
		seen[hf.SampleID] = true
		out = append(out, hf)
	}
	return out, nil
}

// CountReads returns the number of distinct reads of a sample that hit the
// standard genome: the best hit per read is chosen within each mate's file,
// then across mates.
func CountReads(ctx context.Context, hf HitFiles) (int, error) {
	fwd, err := hits.ReadBest(ctx, hf.Forward)
	if err != nil {
		return 0, err
	}
	if hf.Reverse == "" {
		return len(fwd), nil
	}
	rev, err := hits.ReadBest(ctx, hf.Reverse)
	if err != nil {
		return 0, err
	}
	return len(hits.MergeMates(fwd, rev)), nil
}

// Measurement is the spike-in recovery of one sample.
type Measurement struct {
	SampleID   string
	Vial       string
	Depth      float64
	FilterSize float64

	AddedVolumeUL  float64
	AddedMassNG    float64
	AddedMolecules float64

	RecoveredReads     int
	RecoveredMolecules float64

	// Efficiency is NaN when no standard was added.
	Efficiency float64
	ZScore     float64
	// Excluded marks measurements left out of the per-filter-size averages.
	Excluded        bool
	ExclusionReason string
}

// Measure computes the measurement of s given its spike and recovered reads.
func Measure(s sample.Sample, spike Spike, reads int, ref Reference, opts Opts) Measurement {
	m := Measurement{
		SampleID:       s.ID,
		Vial:           spike.Vial,
		Depth:          s.Depth,
		FilterSize:     s.FilterSize,
		AddedVolumeUL:  spike.VolumeUL,
		AddedMassNG:    AddedMass(spike.VolumeUL, opts.StandardConcentration),
		AddedMolecules: AddedMolecules(spike.VolumeUL, opts.StandardConcentration, ref.MolecularWeight),
		RecoveredReads: reads,
	}
	m.RecoveredMolecules = RecoveredMolecules(reads, opts.ReadLength, ref.Length)
	m.Efficiency = Efficiency(m.RecoveredMolecules, m.AddedMolecules)
	return m
}

// Calibration is the per-sample result of Calibrate.
type Calibration struct {
	Measurements []Measurement
	Rejections   []audit.Rejection
}

// Calibrate measures every spiked sample that has hits, in parallel, then
// scores the efficiencies once all of them are known. Spikes are assumed to
// name registered samples (see MatchVials).
func Calibrate(ctx context.Context, spikes []Spike, manifest []HitFiles, ref Reference, reg *sample.Registry, opts Opts) (*Calibration, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	byID := make(map[string]HitFiles, len(manifest))
	for _, hf := range manifest {
		byID[hf.SampleID] = hf
	}
	c := &Calibration{}
	type job struct {
		spike  Spike
		sample sample.Sample
		files  HitFiles
	}
	var jobs []job
	for _, sp := range spikes {
		s, ok := reg.Lookup(sp.SampleID)
		if !ok {
			c.Rejections = append(c.Rejections, audit.Rejection{Stage: audit.StageCalibration, SampleID: sp.SampleID, Reason: ReasonNotRegistered})
			continue
		}
		hf, ok := byID[sp.SampleID]
		if !ok {
			c.Rejections = append(c.Rejections, audit.Rejection{Stage: audit.StageCalibration, SampleID: sp.SampleID, Reason: ReasonNoHits})
			continue
		}
		jobs = append(jobs, job{sp, s, hf})
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > len(jobs) {
		parallelism = len(jobs)
	}
	c.Measurements = make([]Measurement, len(jobs))
	if parallelism > 0 {
		err := traverse.Each(parallelism, func(jobIdx int) error {
			for i := jobIdx; i < len(jobs); i += parallelism {
				j := jobs[i]
				reads, err := CountReads(ctx, j.files)
				if err != nil {
					return errors.E(err, "sample", j.spike.SampleID)
				}
				c.Measurements[i] = Measure(j.sample, j.spike, reads, ref, opts)
				log.Debug.Printf("calibrate: %s: %d reads, efficiency %g", j.spike.SampleID, reads, c.Measurements[i].Efficiency)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	unmeasured := len(c.Rejections)
	Score(c.Measurements, opts.OutlierZScore)
	for _, m := range c.Measurements {
		if m.Excluded {
			c.Rejections = append(c.Rejections, audit.Rejection{
				Stage: audit.StageCalibration, SampleID: m.SampleID, Reason: m.ExclusionReason,
				Detail: fmt.Sprintf("efficiency %s, z-score %s", tabular.FormatFloat(m.Efficiency), tabular.FormatFloat(m.ZScore)),
			})
		}
	}
	log.Printf("calibrate: measured %d samples (%d not measured), %d excluded from averaging",
		len(c.Measurements), unmeasured, len(c.Rejections)-unmeasured)
	return c, nil
}

// Score sets the standard score of every defined efficiency against the
// population (ddof 0) of all defined efficiencies, and excludes measurements
// whose absolute score is at or above threshold. Undefined efficiencies get a
// NaN score and are excluded. When all defined efficiencies are equal every
// score is 0.
func Score(ms []Measurement, threshold float64) {
	var sum float64
	n := 0
	for _, m := range ms {
		if !math.IsNaN(m.Efficiency) {
			sum += m.Efficiency
			n++
		}
	}
	var mean, std float64
	if n > 0 {
		mean = sum / float64(n)
		var ss float64
		for _, m := range ms {
			if !math.IsNaN(m.Efficiency) {
				d := m.Efficiency - mean
				ss += d * d
			}
		}
		std = math.Sqrt(ss / float64(n))
	}
	for i := range ms {
		m := &ms[i]
		m.Excluded, m.ExclusionReason = false, ""
		switch {
		case math.IsNaN(m.Efficiency):
			m.ZScore = math.NaN()
			m.Excluded, m.ExclusionReason = true, ReasonUndefined
		case std == 0:
			m.ZScore = 0
		default:
			m.ZScore = (m.Efficiency - mean) / std
		}
		if !m.Excluded && math.Abs(m.ZScore) >= threshold {
			m.Excluded, m.ExclusionReason = true, ReasonOutlier
		}
	}
}

// MeasurementColumns are the columns of the per-sample audit table.
var MeasurementColumns = []string{
	"sample_id", "vial", "depth", "filter_size", "cell_state",
	"added_volume_ul", "added_mass_ng", "added_molecules",
	"recovered_reads", "recovered_molecules",
	"efficiency", "efficiency_zscore", "excluded", "exclusion_reason",
}

// MeasurementTable renders measurements, excluded ones included.
func MeasurementTable(ms []Measurement) *tabular.Table {
	t := tabular.New("StandardData", MeasurementColumns...)
	f := tabular.FormatFloat
	for _, m := range ms {
		t.Append(m.SampleID, m.Vial, f(m.Depth), f(m.FilterSize), sample.CellState(m.FilterSize),
			f(m.AddedVolumeUL), f(m.AddedMassNG), f(m.AddedMolecules),
			fmt.Sprint(m.RecoveredReads), f(m.RecoveredMolecules),
			f(m.Efficiency), f(m.ZScore), tabular.FormatBool(m.Excluded), m.ExclusionReason)
	}
	return t
}
