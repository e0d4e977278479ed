package calibrate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/audit"
	"github.com/oceangenomics/abundance/encoding/tabular"
	"github.com/oceangenomics/abundance/sample"
)

// LogOpts names the columns of the spike-in log sheet and the vial map, and
// the note convention for combined extractions.
type LogOpts struct {
	VialColumn   string `toml:"vial_column"`
	VolumeColumn string `toml:"volume_column"`
	NotesColumn  string `toml:"notes_column"`
	// KindColumn, when present in the log, restricts it to rows whose value is
	// KindValue. Rows of other kinds are trial runs.
	KindColumn string `toml:"kind_column"`
	KindValue  string `toml:"kind_value"`
	// CombinedPrefix marks a note describing a combined extraction. The key of
	// such a row is the note's last space-separated token with every
	// CombinedMarker removed, e.g. "... combined: 12+13" becomes "1213".
	CombinedPrefix string `toml:"combined_prefix"`
	CombinedMarker string `toml:"combined_marker"`

	// Columns of the vial map: the sample ID and the vial it was drawn from.
	MapSampleColumn string `toml:"map_sample_column"`
	MapVialColumn   string `toml:"map_vial_column"`
}

// DefaultLogOpts matches the cruise log sheets.
var DefaultLogOpts = LogOpts{
	VialColumn:      "Vial #",
	VolumeColumn:    "Vol of DNA standard added (uL)",
	NotesColumn:     "Notes",
	KindColumn:      "Exp/play",
	KindValue:       "exp",
	CombinedPrefix:  "DNA extraction combined: ",
	CombinedMarker:  "+",
	MapSampleColumn: "sample",
	MapVialColumn:   "Vial #",
}

// Rejection reasons.
const (
	ReasonMissingVolume  = "missing standard volume"
	ReasonDuplicateVial  = "duplicate vial key"
	ReasonNoLogEntry     = "no spike-in log entry"
	ReasonNotRegistered  = "not in sample registry"
	ReasonNoHits         = "no hits files"
	ReasonUndefined      = "undefined efficiency"
	ReasonOutlier        = "efficiency outlier"
	ReasonMissingVialKey = "missing vial key"
)

// LogEntry is one usable row of the spike-in log.
type LogEntry struct {
	// Vial is the calibration key: the vial number, or the combined key for
	// combined extractions.
	Vial     string
	VolumeUL float64
	Notes    string
}

// Spike is a sample matched to the volume of standard added to it.
type Spike struct {
	SampleID string
	Vial     string
	VolumeUL float64
}

// CombinedKey returns the calibration key encoded in a combined-extraction
// note, and false when the note does not describe one. The rule is taken
// literally: split on single spaces, take the last token, drop the marker.
func CombinedKey(notes, prefix, marker string) (string, bool) {
	if prefix == "" || !strings.Contains(notes, prefix) {
		return "", false
	}
	tokens := strings.Split(notes, " ")
	return strings.ReplaceAll(tokens[len(tokens)-1], marker, ""), true
}

// VialKey canonicalizes a vial identifier so that "12", "12.0" and " 12 "
// compare equal.
func VialKey(s string) string {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil && v == math.Trunc(v) && !math.IsInf(v, 0) {
		return strconv.FormatInt(int64(v), 10)
	}
	return s
}

// ParseSpikeLog extracts the usable rows of a spike-in log sheet. Rows
// without a volume, and rows whose key repeats an earlier row, are reported
// as rejections; the first row of a key wins.
func ParseSpikeLog(t *tabular.Table, opts LogOpts) ([]LogEntry, []audit.Rejection, error) {
	cols, err := t.Cols(opts.VialColumn, opts.VolumeColumn, opts.NotesColumn)
	if err != nil {
		return nil, nil, err
	}
	kindCol, hasKind := -1, false
	if opts.KindColumn != "" {
		kindCol, hasKind = t.Col(opts.KindColumn)
	}
	var (
		entries []LogEntry
		rejs    []audit.Rejection
		seen    = map[string]int{}
		skipped int
	)
	reject := func(key, reason, detail string) {
		rejs = append(rejs, audit.Rejection{Stage: audit.StageCalibration, SampleID: "vial " + key, Reason: reason, Detail: detail})
	}
	for i, row := range t.Rows {
		if hasKind && tabular.Value(row, kindCol) != opts.KindValue {
			skipped++
			continue
		}
		notes := tabular.Value(row, cols[2])
		key := VialKey(tabular.Value(row, cols[0]))
		if k, ok := CombinedKey(notes, opts.CombinedPrefix, opts.CombinedMarker); ok {
			key = VialKey(k)
		}
		where := fmt.Sprintf("%s:%d", t.Name, i+2)
		if key == "" {
			reject(key, ReasonMissingVialKey, where)
			continue
		}
		vol, ok := tabular.ParseFloat(tabular.Value(row, cols[1]))
		if !ok {
			reject(key, ReasonMissingVolume, where)
			continue
		}
		if first, dup := seen[key]; dup {
			reject(key, ReasonDuplicateVial, fmt.Sprintf("%s: first seen at line %d", where, first))
			continue
		}
		seen[key] = i + 2
		entries = append(entries, LogEntry{Vial: key, VolumeUL: vol, Notes: notes})
	}
	if skipped > 0 {
		log.Debug.Printf("calibrate: %s: skipped %d rows not marked %q", t.Name, skipped, opts.KindValue)
	}
	return entries, rejs, nil
}

// MatchVials joins the vial map to the log entries and the sample registry.
// Every vial-map row yields a Spike when its vial has a log entry and its
// sample is registered; other rows are rejected. A sample mapped to more
// than one vial is an integrity error.
func MatchVials(entries []LogEntry, vialMap *tabular.Table, reg *sample.Registry, opts LogOpts) ([]Spike, []audit.Rejection, error) {
	cols, err := vialMap.Cols(opts.MapSampleColumn, opts.MapVialColumn)
	if err != nil {
		return nil, nil, err
	}
	byVial := make(map[string]LogEntry, len(entries))
	for _, e := range entries {
		byVial[e.Vial] = e
	}
	var (
		spikes []Spike
		rejs   []audit.Rejection
		seen   = map[string]string{}
	)
	reject := func(id, reason, detail string) {
		rejs = append(rejs, audit.Rejection{Stage: audit.StageCalibration, SampleID: id, Reason: reason, Detail: detail})
	}
	for _, row := range vialMap.Rows {
		id := tabular.Value(row, cols[0])
		vial := VialKey(tabular.Value(row, cols[1]))
		e, ok := byVial[vial]
		if !ok {
			reject(id, ReasonNoLogEntry, "vial "+vial)
			continue
		}
		if _, ok := reg.Lookup(id); !ok {
			reject(id, ReasonNotRegistered, vialMap.Name)
			continue
		}
		if prev, dup := seen[id]; dup {
			return nil, nil, errors.E(errors.Integrity,
				fmt.Sprintf("%s: sample %q mapped to vials %s and %s", vialMap.Name, id, prev, vial))
		}
		seen[id] = vial
		spikes = append(spikes, Spike{SampleID: id, Vial: vial, VolumeUL: e.VolumeUL})
	}
	return spikes, rejs, nil
}
