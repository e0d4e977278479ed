// Package summary reduces grouped observations to mean, standard deviation,
// standard error of the mean and sample count.
package summary

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/oceangenomics/abundance/encoding/tabular"
)

// Observation is one value and the group it belongs to.
type Observation struct {
	Key   []string
	Value float64
}

// Group summarizes the observations sharing a key.
type Group struct {
	Key  []string
	Mean float64
	// SD is the sample standard deviation (n-1 denominator); NaN when N == 1.
	SD float64
	// SEM is SD / sqrt(N).
	SEM float64
	N   int
}

// Summarize groups observations by key and summarizes each group.
// Observations with an empty key component or a non-finite value carry no
// information and are skipped, so every group has N > 0. Groups are sorted
// by key; see Less.
func Summarize(obs []Observation) []Group {
	var (
		keys   [][]string
		values = map[string][]float64{}
	)
	for _, o := range obs {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) || !complete(o.Key) {
			continue
		}
		k := strings.Join(o.Key, "\x00")
		if _, ok := values[k]; !ok {
			keys = append(keys, o.Key)
		}
		values[k] = append(values[k], o.Value)
	}
	sort.SliceStable(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })
	groups := make([]Group, len(keys))
	for i, key := range keys {
		g := Group{Key: append([]string(nil), key...)}
		g.Mean, g.SD, g.SEM, g.N = Stats(values[strings.Join(key, "\x00")])
		groups[i] = g
	}
	return groups
}

func complete(key []string) bool {
	for _, k := range key {
		if k == "" {
			return false
		}
	}
	return true
}

// Stats returns the mean, sample standard deviation, standard error of the
// mean and count of values. SD and SEM are NaN for fewer than two values,
// and every statistic is NaN for none.
func Stats(values []float64) (mean, sd, sem float64, n int) {
	n = len(values)
	if n == 0 {
		return math.NaN(), math.NaN(), math.NaN(), 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	if n == 1 {
		return mean, math.NaN(), math.NaN(), 1
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	sd = math.Sqrt(ss / float64(n-1))
	return mean, sd, sd / math.Sqrt(float64(n)), n
}

// Less orders keys component by component. Components that both parse as
// numbers compare numerically, so depth "45" sorts before "150"; others
// compare as strings.
func Less(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] == b[i] {
			continue
		}
		x, errx := strconv.ParseFloat(a[i], 64)
		y, erry := strconv.ParseFloat(b[i], 64)
		if errx == nil && erry == nil && x != y {
			return x < y
		}
		return a[i] < b[i]
	}
	return len(a) < len(b)
}

// Columns returns the columns of a summary table with the given key columns.
func Columns(keyColumns ...string) []string {
	return append(append([]string(nil), keyColumns...), "mean", "std", "sem", "sample_size")
}

// Table renders groups. keyColumns names the key components.
func Table(name string, keyColumns []string, groups []Group) *tabular.Table {
	t := tabular.New(name, Columns(keyColumns...)...)
	f := tabular.FormatFloat
	for _, g := range groups {
		t.Append(append(append([]string(nil), g.Key...), f(g.Mean), f(g.SD), f(g.SEM), strconv.Itoa(g.N))...)
	}
	return t
}
