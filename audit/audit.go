// Package audit records every row a pipeline stage drops or sets aside, so
// that no filtering decision is invisible: each rejection names the stage, the
// sample and the reason, and the log can be written as a table or stored in a
// SQLite database next to the stage outputs.
package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/oceangenomics/abundance/encoding/tabular"
)

// Stage names used in rejections.
const (
	StageRegistry    = "registry"
	StageCalibration = "calibration"
	StageLOD         = "lod"
	StageAbsolute    = "absolute"
)

// Rejection is one dropped or excluded row.
type Rejection struct {
	Stage    string
	SampleID string
	Reason   string
	// Detail carries the offending value or source, e.g. the input table name.
	Detail string
}

// Log is an append-only, goroutine-safe list of rejections.
type Log struct {
	mu   sync.Mutex
	rejs []Rejection
}

// Add appends a rejection.
func (l *Log) Add(stage, sampleID, reason, detail string) {
	l.mu.Lock()
	l.rejs = append(l.rejs, Rejection{Stage: stage, SampleID: sampleID, Reason: reason, Detail: detail})
	l.mu.Unlock()
}

// Merge appends all of rejs.
func (l *Log) Merge(rejs []Rejection) {
	l.mu.Lock()
	l.rejs = append(l.rejs, rejs...)
	l.mu.Unlock()
}

// Rejections returns a copy of the log, sorted by stage then sample so that
// parallel stages produce the same output on every run.
func (l *Log) Rejections() []Rejection {
	l.mu.Lock()
	out := append([]Rejection(nil), l.rejs...)
	l.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].SampleID < out[j].SampleID
	})
	return out
}

// Len returns the number of rejections.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rejs)
}

// Count returns the number of rejections for the given stage and reason.
func (l *Log) Count(stage, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rejs {
		if r.Stage == stage && r.Reason == reason {
			n++
		}
	}
	return n
}

// Table renders the log as a table.
func (l *Log) Table() *tabular.Table {
	t := tabular.New("rejections", "stage", "sample_id", "reason", "detail")
	for _, r := range l.Rejections() {
		t.Append(r.Stage, r.SampleID, r.Reason, r.Detail)
	}
	return t
}

// WriteTSV writes the log to path.
func (l *Log) WriteTSV(ctx context.Context, path string) (tabular.Written, error) {
	return tabular.Write(ctx, path, l.Table())
}
