// Package hits reads read-mapping hit lists (reads aligned against a spike-in
// reference genome) and reduces them to one best hit per read.
//
// Two input formats are supported: BLAST tabular output (-outfmt 6, optionally
// gzipped) and BAM. The format is chosen by file extension.
package hits

import (
	"context"
	"strings"
)

// Hit is one alignment of a read against the reference.
type Hit struct {
	// Read is the read identifier, shared by both mates of a pair.
	Read string
	// PercentIdentity is the percentage of identical positions in the alignment.
	PercentIdentity float64
	// Length is the alignment length, including gaps.
	Length int
}

// Better reports whether a should be kept over b: higher percent identity
// wins, then the longer alignment. Equal hits are not better than each other,
// so the first one seen is kept.
func Better(a, b Hit) bool {
	if a.PercentIdentity != b.PercentIdentity {
		return a.PercentIdentity > b.PercentIdentity
	}
	return a.Length > b.Length
}

// BestPerRead returns one hit per distinct read: the one that no other hit for
// the same read is Better than, the earliest on ties. Reads appear in the order
// of their first hit. The input is not modified.
func BestPerRead(hits []Hit) []Hit {
	pos := make(map[string]int, len(hits))
	best := make([]Hit, 0, len(hits))
	for _, h := range hits {
		i, ok := pos[h.Read]
		if !ok {
			pos[h.Read] = len(best)
			best = append(best, h)
			continue
		}
		if Better(h, best[i]) {
			best[i] = h
		}
	}
	return best
}

// MergeMates combines the per-mate best hits of a sample into one best hit per
// logical read. Earlier arguments win ties.
func MergeMates(mates ...[]Hit) []Hit {
	n := 0
	for _, m := range mates {
		n += len(m)
	}
	all := make([]Hit, 0, n)
	for _, m := range mates {
		all = append(all, m...)
	}
	return BestPerRead(all)
}

// Read reads the hits in path: BAM when the name ends in ".bam", BLAST tabular
// otherwise.
func Read(ctx context.Context, path string) ([]Hit, error) {
	if strings.HasSuffix(strings.ToLower(path), ".bam") {
		return ReadBAM(ctx, path)
	}
	return ReadBLAST(ctx, path)
}

// ReadBest reads path and returns its best hit per read.
func ReadBest(ctx context.Context, path string) ([]Hit, error) {
	h, err := Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return BestPerRead(h), nil
}
